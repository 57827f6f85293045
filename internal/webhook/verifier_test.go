package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeVerifier(t *testing.T) {
	v := NewStripeVerifier("whsec_test", 5*time.Minute)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	header := v.Sign(payload, time.Now())
	require.NoError(t, v.Verify(payload, header))
}

func TestStripeVerifier_TamperedPayload(t *testing.T) {
	v := NewStripeVerifier("whsec_test", 5*time.Minute)

	header := v.Sign([]byte(`{"id":"evt_1"}`), time.Now())
	err := v.Verify([]byte(`{"id":"evt_2"}`), header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeVerifier_WrongSecret(t *testing.T) {
	signer := NewStripeVerifier("whsec_a", 5*time.Minute)
	verifier := NewStripeVerifier("whsec_b", 5*time.Minute)
	payload := []byte(`{}`)

	err := verifier.Verify(payload, signer.Sign(payload, time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeVerifier_StaleTimestamp(t *testing.T) {
	v := NewStripeVerifier("whsec_test", 5*time.Minute)
	payload := []byte(`{}`)

	header := v.Sign(payload, time.Now().Add(-time.Hour))
	err := v.Verify(payload, header)
	assert.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestStripeVerifier_MissingHeader(t *testing.T) {
	v := NewStripeVerifier("whsec_test", 5*time.Minute)

	assert.ErrorIs(t, v.Verify([]byte(`{}`), ""), ErrMissingSignature)
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "v1=deadbeef"), ErrMissingSignature)
}

func TestPayPalVerifier(t *testing.T) {
	v := NewPayPalVerifier("paypal_secret")
	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)

	header := v.Sign(payload, "tx-123", "2026-08-29T10:00:00Z")
	require.NoError(t, v.Verify(payload, header))
}

func TestPayPalVerifier_Rejects(t *testing.T) {
	v := NewPayPalVerifier("paypal_secret")
	payload := []byte(`{"id":"WH-1"}`)

	assert.ErrorIs(t, v.Verify(payload, ""), ErrMissingSignature)
	assert.ErrorIs(t, v.Verify(payload, "not-a-signature"), ErrInvalidSignature)

	header := v.Sign([]byte(`{"id":"WH-other"}`), "tx-123", "2026-08-29T10:00:00Z")
	assert.ErrorIs(t, v.Verify(payload, header), ErrInvalidSignature)
}
