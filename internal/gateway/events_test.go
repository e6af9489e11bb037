package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventAliases(t *testing.T) {
	for _, typ := range []string{"charge.paid", "charge.captured", "payment.captured", "Charge.Paid"} {
		ev, err := ParseEvent([]byte(`{"id":"evt_1","type":"` + typ + `","data":{"subscription_id":"gw_sub_1","amount_cents":4990,"currency":"BRL"}}`))
		require.NoError(t, err, typ)

		charge, ok := ev.(ChargeCaptured)
		require.True(t, ok, "type %s parsed as %T", typ, ev)
		assert.Equal(t, TypeChargePaid, charge.EventType())
		assert.Equal(t, "gw_sub_1", charge.SubscriptionRef)
		assert.EqualValues(t, 4990, charge.AmountCents)
	}
}

func TestParseEventVariants(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_2","type":"charge.refused","data":{"subscription_id":"s","failure_reason":"card_declined"}}`))
	require.NoError(t, err)
	failed, ok := ev.(ChargeFailed)
	require.True(t, ok)
	assert.Equal(t, "card_declined", failed.Reason)

	ev, err = ParseEvent([]byte(`{"id":"evt_3","type":"subscription.canceled","data":{"subscription_id":"s"}}`))
	require.NoError(t, err)
	assert.IsType(t, SubscriptionCanceled{}, ev)

	ev, err = ParseEvent([]byte(`{"id":"evt_4","type":"invoice.issued","created_at":"2024-03-01T12:00:00Z","data":{"subscription_id":"s","invoice_id":"inv_1"}}`))
	require.NoError(t, err)
	inv, ok := ev.(InvoiceIssued)
	require.True(t, ok)
	assert.Equal(t, "inv_1", inv.InvoiceRef)
	assert.Equal(t, 2024, inv.OccurredAt.Year())
}

func TestParseEventUnknownType(t *testing.T) {
	raw := []byte(`{"id":"evt_5","type":"customer.updated","data":{"anything":true}}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	unknown, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "customer.updated", unknown.EventType())
	assert.JSONEq(t, string(raw), string(unknown.Raw))
}

func TestParseEventRejectsMalformed(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"type":"charge.paid"}`))
	assert.True(t, errors.Is(err, ErrMissingEventID))

	_, err = ParseEvent([]byte(`{"id":"evt_6","type":"charge.paid","data":{}}`))
	assert.Error(t, err)
}

func TestPeekEnvelope(t *testing.T) {
	id, typ, err := PeekEnvelope([]byte(`{"id":" evt_7 ","type":"charge.paid","data":"garbage"}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_7", id)
	assert.Equal(t, "charge.paid", typ)
}
