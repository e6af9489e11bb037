package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

const maxBodyBytes = 64 << 10

// Config describes the registry endpoint and the retry policy.
type Config struct {
	BaseURL       string
	APIKey        string
	APIKeyHeader  string
	SuccessMarker string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
}

// Payload is what the registry needs to enroll one beneficiary.
type Payload struct {
	PlanRef     string                 `json:"plan_id" validate:"required"`
	UnitRef     string                 `json:"unit_id" validate:"required"`
	Beneficiary models.BeneficiaryData `json:"beneficiary"`
}

var payloadValidator = validator.New()

// Validate reports the fields the registry would reject.
func (p Payload) Validate() error {
	if err := payloadValidator.Struct(p); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

// Result is a confirmed registration.
type Result struct {
	RegistryRef string
	Attempts    int
	Body        map[string]any
}

// Client talks to the enrollment registry over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	validate   *validator.Validate
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient builds a registry client. Zero values fall back to three attempts,
// a one second initial backoff and a ten second per-request timeout.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("registry: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-Api-Key"
	}
	if cfg.SuccessMarker == "" {
		cfg.SuccessMarker = "success"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		validate:   validator.New(),
		sleep:      sleepCtx,
	}, nil
}

// WithSleep replaces the wait between attempts.
func (c *Client) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Client {
	c.sleep = fn
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// RegisterBeneficiary enrolls a beneficiary at the registry. The payload is
// validated first; an invalid payload never reaches the network.
func (c *Client) RegisterBeneficiary(ctx context.Context, p Payload) (*Result, error) {
	if err := c.validate.Struct(p); err != nil {
		return nil, &Error{
			Kind:    KindValidation,
			Message: validationMessage(err),
			causes:  multierror.Append(nil, err),
		}
	}

	body, attempts, err := c.call(ctx, "/beneficiaries", p)
	if err != nil {
		return nil, err
	}
	return &Result{
		RegistryRef: registryRef(body),
		Attempts:    attempts,
		Body:        body,
	}, nil
}

// CancelBeneficiary tells the registry a beneficiary is no longer covered.
func (c *Client) CancelBeneficiary(ctx context.Context, document string) error {
	if strings.TrimSpace(document) == "" {
		return &Error{Kind: KindValidation, Message: "document is required"}
	}
	_, _, err := c.call(ctx, "/beneficiaries/cancel", map[string]string{"document": document})
	return err
}

// call runs one logical request with retries. Waits grow Backoff, 2*Backoff,
// 4*Backoff... and only happen between attempts.
func (c *Client) call(ctx context.Context, path string, payload any) (map[string]any, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &Error{Kind: KindValidation, Message: err.Error()}
	}

	var causes *multierror.Error
	delay := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, delay); err != nil {
				causes = multierror.Append(causes, err)
				return nil, attempt - 1, &Error{
					Kind:     KindTransient,
					Message:  causes.Error(),
					Attempts: attempt - 1,
					causes:   causes,
				}
			}
			delay *= 2
		}

		body, aerr := c.attempt(ctx, path, raw)
		if aerr == nil {
			if attempt > 1 {
				log.Printf("[registry] %s succeeded on attempt %d", path, attempt)
			}
			return body, attempt, nil
		}

		causes = multierror.Append(causes, fmt.Errorf("attempt %d: %w", attempt, aerr))
		log.Printf("[registry] %s attempt %d/%d failed (%s): %s", path, attempt, c.cfg.MaxAttempts, aerr.kind, aerr.Error())

		if !aerr.retryable() {
			return nil, attempt, &Error{
				Kind:       aerr.kind,
				StatusCode: aerr.status,
				Message:    aerr.msg,
				Attempts:   attempt,
				causes:     causes,
			}
		}
		if attempt == c.cfg.MaxAttempts {
			causes.ErrorFormat = flatFormat
			return nil, attempt, &Error{
				Kind:       KindTransient,
				StatusCode: aerr.status,
				Message:    causes.Error(),
				Attempts:   attempt,
				causes:     causes,
			}
		}
	}
	return nil, 0, &Error{Kind: KindTransient, Message: "no attempts made"}
}

func (c *Client) attempt(ctx context.Context, path string, raw []byte) (map[string]any, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, &attemptError{kind: KindValidation, msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &attemptError{kind: KindTransient, msg: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &attemptError{kind: KindTransient, status: resp.StatusCode, msg: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &attemptError{kind: KindCredential, status: resp.StatusCode, msg: bodyMessage(text, "credentials rejected")}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &attemptError{kind: KindTransient, status: resp.StatusCode, msg: bodyMessage(text, http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= 300:
		return nil, &attemptError{kind: KindBusiness, status: resp.StatusCode, msg: bodyMessage(text, http.StatusText(resp.StatusCode))}
	}

	body, ok, msg := interpret(text, c.cfg.SuccessMarker)
	if !ok {
		return nil, &attemptError{kind: KindBusiness, status: resp.StatusCode, msg: msg}
	}
	return body, nil
}

// interpret decides whether a 2xx body reports success. The registry answers
// 200 for rejected enrollments too, so the body is authoritative.
func interpret(text []byte, marker string) (map[string]any, bool, string) {
	var body map[string]any
	if err := json.Unmarshal(text, &body); err != nil {
		trimmed := strings.TrimSpace(string(text))
		if strings.Contains(strings.ToLower(trimmed), strings.ToLower(marker)) {
			return map[string]any{"raw": trimmed}, true, ""
		}
		if trimmed == "" {
			trimmed = "empty response body"
		}
		return nil, false, trimmed
	}

	if msg := errorField(body["error"]); msg != "" {
		return body, false, msg
	}
	if v, ok := body["success"].(bool); ok && !v {
		return body, false, firstString(body, "message", "msg", "detail")
	}
	if markerPresent(body, marker) {
		return body, true, ""
	}

	msg := firstString(body, "message", "msg", "detail")
	if msg == "" {
		msg = fmt.Sprintf("response missing %q marker", marker)
	}
	return body, false, msg
}

func markerPresent(body map[string]any, marker string) bool {
	switch v := body[marker].(type) {
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case float64:
		return v != 0
	}
	for _, key := range []string{"status", "result"} {
		if s, ok := body[key].(string); ok && strings.EqualFold(s, marker) {
			return true
		}
	}
	return false
}

func errorField(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if m := firstString(e, "message", "msg", "detail"); m != "" {
			return m
		}
		return "registry reported an error"
	case bool:
		if e {
			return "registry reported an error"
		}
	}
	return ""
}

func firstString(body map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := body[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func bodyMessage(text []byte, fallback string) string {
	var body map[string]any
	if err := json.Unmarshal(text, &body); err == nil {
		if msg := errorField(body["error"]); msg != "" {
			return msg
		}
		if msg := firstString(body, "message", "msg", "detail"); msg != "" {
			return msg
		}
	}
	if t := strings.TrimSpace(string(text)); t != "" && len(t) < 512 {
		return t
	}
	return fallback
}

func registryRef(body map[string]any) string {
	for _, k := range []string{"beneficiary_id", "registry_id", "id", "protocol"} {
		switch v := body[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	if data, ok := body["data"].(map[string]any); ok {
		return registryRef(data)
	}
	return ""
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return "invalid beneficiary data: " + strings.Join(fields, "; ")
}

func flatFormat(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
