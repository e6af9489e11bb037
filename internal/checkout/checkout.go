package checkout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
)

const tokenBytes = 32

var (
	ErrNotFound    = errors.New("checkout: link not found")
	ErrExpired     = errors.New("checkout: link expired")
	ErrAlreadyUsed = errors.New("checkout: link already used")
)

// UserMessage maps a redemption error to the text shown to the payer.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "This payment link does not exist. Please ask for a new one."
	case errors.Is(err, ErrExpired):
		return "This payment link has expired. Please ask for a new one."
	case errors.Is(err, ErrAlreadyUsed):
		return "This payment link was already used to complete a payment."
	default:
		return "We could not open this payment link right now. Please try again later."
	}
}

// Store is the persistence the issuer needs.
type Store interface {
	CreateCheckoutLink(ctx context.Context, link *models.CheckoutLink) error
	GetCheckoutLink(ctx context.Context, token string) (*models.CheckoutLink, error)
	GetSubscriptionView(ctx context.Context, subscriptionID string) (*models.SubscriptionView, error)
	ConsumeCheckoutLinks(ctx context.Context, subscriptionID string, at time.Time) (int64, error)
	PurgeCheckoutLinks(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls link URLs and lifetime.
type Config struct {
	BaseURL string
	TTL     time.Duration
}

// Link is a freshly issued checkout link.
type Link struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints, redeems and consumes checkout links.
type Issuer struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewIssuer builds an Issuer. A zero TTL falls back to 24 hours.
func NewIssuer(st Store, cfg Config) (*Issuer, error) {
	if st == nil {
		return nil, errors.New("checkout: store cannot be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Issuer{store: st, cfg: cfg, now: time.Now}, nil
}

// WithClock replaces the time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates a new single-use link for a draft subscription.
func (i *Issuer) Issue(ctx context.Context, subscriptionID string) (*Link, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	link := &models.CheckoutLink{
		Token:          token,
		SubscriptionID: subscriptionID,
		ExpiresAt:      i.now().UTC().Add(i.cfg.TTL),
	}
	if err := i.store.CreateCheckoutLink(ctx, link); err != nil {
		return nil, err
	}

	log.Printf("[checkout] issued link for subscription %s (expires %s)", subscriptionID, link.ExpiresAt.Format(time.RFC3339))
	return &Link{
		Token:     token,
		URL:       i.cfg.BaseURL + "/subscription-checkout/" + token,
		ExpiresAt: link.ExpiresAt,
	}, nil
}

// Redeem resolves a token to the subscription it gates. It never changes state.
func (i *Issuer) Redeem(ctx context.Context, token string) (*models.SubscriptionView, error) {
	link, err := i.store.GetCheckoutLink(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if link.Used {
		return nil, ErrAlreadyUsed
	}
	if link.Expired(i.now()) {
		return nil, ErrExpired
	}

	view, err := i.store.GetSubscriptionView(ctx, link.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	view.ExpiresAt = link.ExpiresAt
	return view, nil
}

// Consume marks the subscription's unused links as used. Calling it again is a no-op.
func (i *Issuer) Consume(ctx context.Context, subscriptionID string) error {
	n, err := i.store.ConsumeCheckoutLinks(ctx, subscriptionID, i.now())
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("[checkout] consumed %d link(s) for subscription %s", n, subscriptionID)
	}
	return nil
}

// PurgeStale removes used and expired links older than olderThan.
func (i *Issuer) PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := i.store.PurgeCheckoutLinks(ctx, i.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[checkout] purged %d stale link(s)", n)
	}
	return n, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("checkout: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
