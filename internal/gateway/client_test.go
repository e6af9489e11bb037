package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientCreatesCustomerAndSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key_123" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case "/customers":
			if body["document"] != "12345678901" {
				t.Errorf("unexpected customer body %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"cus_1"}`))
		case "/subscriptions":
			if body["customer_id"] != "cus_1" || body["plan_id"] != "plan-gold" {
				t.Errorf("unexpected subscription body %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"gw_sub_1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key_123")
	cust, err := c.CreateCustomer(context.Background(), Customer{Name: "Maria", Email: "m@example.com", Document: "12345678901"})
	if err != nil {
		t.Fatalf("CreateCustomer returned error: %v", err)
	}
	sub, err := c.CreateSubscription(context.Background(), cust, "plan-gold")
	if err != nil {
		t.Fatalf("CreateSubscription returned error: %v", err)
	}
	if sub != "gw_sub_1" {
		t.Fatalf("expected gw_sub_1, got %s", sub)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid plan"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").CreateSubscription(context.Background(), "cus_1", "nope")
	if err == nil || !strings.Contains(err.Error(), "invalid plan") {
		t.Fatalf("expected API error message, got %v", err)
	}
}
