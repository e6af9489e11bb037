package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client calls the payment gateway REST API directly.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a gateway API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Customer is the payer profile registered at the gateway.
type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document"`
	Phone    string `json:"phone,omitempty"`
}

// CreateCustomer registers the payer and returns the gateway customer id.
func (c *Client) CreateCustomer(ctx context.Context, cust Customer) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/customers", cust)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		return "", fmt.Errorf("create customer: missing id in response")
	}
	return id, nil
}

// CreateSubscription opens a recurring subscription for a customer on a plan
// and returns the gateway subscription id.
func (c *Client) CreateSubscription(ctx context.Context, customerID, planRef string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/subscriptions", map[string]string{
		"customer_id": customerID,
		"plan_id":     planRef,
	})
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		return "", fmt.Errorf("create subscription: missing id in response")
	}
	log.Printf("[gateway] Created subscription %s for customer %s", id, customerID)
	return id, nil
}

// CancelSubscription cancels a gateway subscription.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	result := map[string]interface{}{}
	if buf.Len() > 0 {
		if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
			return nil, fmt.Errorf("parse gateway response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if errObj, ok := result["error"].(map[string]interface{}); ok {
			if m, ok := errObj["message"].(string); ok {
				msg = m
			}
		} else if m, ok := result["error"].(string); ok {
			msg = m
		}
		return nil, fmt.Errorf("gateway API error (%d): %s", resp.StatusCode, msg)
	}

	return result, nil
}
