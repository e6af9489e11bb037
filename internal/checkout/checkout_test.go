package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	links map[string]*models.CheckoutLink
}

func newFakeStore() *fakeStore {
	return &fakeStore{links: map[string]*models.CheckoutLink{}}
}

func (f *fakeStore) CreateCheckoutLink(_ context.Context, link *models.CheckoutLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *link
	f.links[link.Token] = &cp
	return nil
}

func (f *fakeStore) GetCheckoutLink(_ context.Context, token string) (*models.CheckoutLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *link
	return &cp, nil
}

func (f *fakeStore) GetSubscriptionView(_ context.Context, subscriptionID string) (*models.SubscriptionView, error) {
	return &models.SubscriptionView{
		SubscriptionID:  subscriptionID,
		PlanRef:         "plan-gold",
		Status:          models.SubscriptionStatusPending,
		BeneficiaryName: "Maria Silva",
	}, nil
}

func (f *fakeStore) ConsumeCheckoutLinks(_ context.Context, subscriptionID string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, link := range f.links {
		if link.SubscriptionID == subscriptionID && !link.Used {
			link.Used = true
			usedAt := at
			link.UsedAt = &usedAt
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) PurgeCheckoutLinks(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for token, link := range f.links {
		if (link.Used && link.UsedAt.Before(cutoff)) || link.ExpiresAt.Before(cutoff) {
			delete(f.links, token)
			n++
		}
	}
	return n, nil
}

func newTestIssuer(t *testing.T, now *time.Time) (*Issuer, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	iss, err := NewIssuer(st, Config{BaseURL: "https://pay.example.com", TTL: time.Hour})
	require.NoError(t, err)
	iss.WithClock(func() time.Time { return *now })
	return iss, st
}

func TestIssueBuildsURLAndExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	iss, st := newTestIssuer(t, &now)

	link, err := iss.Issue(context.Background(), "sub-1")
	require.NoError(t, err)

	assert.Len(t, link.Token, 64)
	assert.Equal(t, "https://pay.example.com/subscription-checkout/"+link.Token, link.URL)
	assert.Equal(t, now.Add(time.Hour), link.ExpiresAt)

	stored, err := st.GetCheckoutLink(context.Background(), link.Token)
	require.NoError(t, err)
	assert.False(t, stored.Used)
}

func TestIssueTokensAreUnique(t *testing.T) {
	now := time.Now()
	iss, _ := newTestIssuer(t, &now)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		link, err := iss.Issue(context.Background(), "sub-1")
		require.NoError(t, err)
		require.False(t, seen[link.Token])
		seen[link.Token] = true
	}
}

func TestRedeemValidLink(t *testing.T) {
	now := time.Now()
	iss, _ := newTestIssuer(t, &now)

	link, err := iss.Issue(context.Background(), "sub-1")
	require.NoError(t, err)

	view, err := iss.Redeem(context.Background(), link.Token)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", view.SubscriptionID)
	assert.Equal(t, link.ExpiresAt, view.ExpiresAt)
}

func TestRedeemUnknownToken(t *testing.T) {
	now := time.Now()
	iss, _ := newTestIssuer(t, &now)

	_, err := iss.Redeem(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedeemExpiredOneSecondAfterExpiry(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(-time.Hour)
	iss, st := newTestIssuer(t, &now)

	link, err := iss.Issue(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, t0, link.ExpiresAt)

	now = t0.Add(time.Second)
	_, err = iss.Redeem(context.Background(), link.Token)
	assert.ErrorIs(t, err, ErrExpired)

	stored, err := st.GetCheckoutLink(context.Background(), link.Token)
	require.NoError(t, err)
	assert.False(t, stored.Used, "redeem must not change state")
}

func TestRedeemAtExactExpiryIsExpired(t *testing.T) {
	now := time.Now()
	iss, _ := newTestIssuer(t, &now)

	link, err := iss.Issue(context.Background(), "sub-1")
	require.NoError(t, err)

	now = link.ExpiresAt
	_, err = iss.Redeem(context.Background(), link.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestUsedLinkStaysUsed(t *testing.T) {
	now := time.Now()
	iss, _ := newTestIssuer(t, &now)

	link, err := iss.Issue(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NoError(t, iss.Consume(context.Background(), "sub-1"))
	require.NoError(t, iss.Consume(context.Background(), "sub-1"))

	for _, offset := range []time.Duration{0, 2 * time.Hour} {
		now = now.Add(offset)
		_, err = iss.Redeem(context.Background(), link.Token)
		assert.ErrorIs(t, err, ErrAlreadyUsed)
	}
}

func TestPurgeStale(t *testing.T) {
	now := time.Now()
	iss, st := newTestIssuer(t, &now)

	old, err := iss.Issue(context.Background(), "sub-old")
	require.NoError(t, err)
	now = now.Add(48 * time.Hour)
	fresh, err := iss.Issue(context.Background(), "sub-new")
	require.NoError(t, err)

	n, err := iss.PurgeStale(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = st.GetCheckoutLink(context.Background(), old.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetCheckoutLink(context.Background(), fresh.Token)
	assert.NoError(t, err)
}

func TestUserMessagesAreDistinct(t *testing.T) {
	msgs := map[string]bool{}
	for _, err := range []error{ErrNotFound, ErrExpired, ErrAlreadyUsed} {
		msgs[UserMessage(err)] = true
	}
	assert.Len(t, msgs, 3)
}
