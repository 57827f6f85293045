// Package webhook verifies provider signatures over raw request
// bytes. Handlers receive only already-verified payloads.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// Verifier checks a provider signature header against the raw body.
type Verifier interface {
	Verify(payload []byte, header string) error
}

// StripeVerifier implements the t=...,v1=... signed-header scheme:
// HMAC-SHA256 over "<timestamp>.<payload>" with the endpoint secret,
// with a replay tolerance window on the timestamp.
type StripeVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	return &StripeVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (v *StripeVerifier) Verify(payload []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	var timestamp int64
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}

		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return ErrMissingSignature
	}

	age := v.now().Sub(time.Unix(timestamp, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}

	return ErrInvalidSignature
}

// PayPalVerifier checks the transmission signature header
// "<transmission-id>|<timestamp>|<hex hmac>" computed over
// "<transmission-id>.<timestamp>.<payload>" with the shared webhook
// secret.
type PayPalVerifier struct {
	secret []byte
}

func NewPayPalVerifier(secret string) *PayPalVerifier {
	return &PayPalVerifier{secret: []byte(secret)}
}

func (v *PayPalVerifier) Verify(payload []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	parts := strings.Split(header, "|")
	if len(parts) != 3 {
		return ErrInvalidSignature
	}

	transmissionID, timestamp, signature := parts[0], parts[1], parts[2]
	if transmissionID == "" || timestamp == "" || signature == "" {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", transmissionID, timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	return nil
}

// Sign produces a header the StripeVerifier accepts. Used by tests and
// local tooling.
func (v *StripeVerifier) Sign(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)

	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// Sign produces a header the PayPalVerifier accepts.
func (v *PayPalVerifier) Sign(payload []byte, transmissionID, timestamp string) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", transmissionID, timestamp)
	mac.Write(payload)

	return fmt.Sprintf("%s|%s|%s", transmissionID, timestamp, hex.EncodeToString(mac.Sum(nil)))
}
