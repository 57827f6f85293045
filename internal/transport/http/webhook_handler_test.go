package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/shop-payments/internal/apperr"
	"github.com/sakashimaa/shop-payments/internal/service"
	"github.com/sakashimaa/shop-payments/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOrderService struct {
	markPaidIn  *service.MarkPaidInput
	processIn   *service.WebhookEventInput
	markPaidErr error
	processErr  error
	result      *service.WebhookResult
}

func (f *fakeOrderService) CreateOrder(context.Context, service.CreateOrderInput) (*service.OrderResult, error) {
	return nil, apperr.Internal("not implemented", nil)
}

func (f *fakeOrderService) CreatePendingPaymentOrder(context.Context, service.CreatePendingPaymentOrderInput) (*service.OrderResult, error) {
	return nil, apperr.Internal("not implemented", nil)
}

func (f *fakeOrderService) MarkPaidFromWebhook(_ context.Context, in service.MarkPaidInput) (*service.WebhookResult, error) {
	f.markPaidIn = &in
	if f.markPaidErr != nil {
		return nil, f.markPaidErr
	}
	if f.result != nil {
		return f.result, nil
	}

	return &service.WebhookResult{OrderMarkedPaid: true}, nil
}

func (f *fakeOrderService) ProcessPaymentWebhookEvent(_ context.Context, in service.WebhookEventInput) (*service.WebhookResult, error) {
	f.processIn = &in
	if f.processErr != nil {
		return nil, f.processErr
	}
	if f.result != nil {
		return f.result, nil
	}

	return &service.WebhookResult{OrderMarkedPaid: true}, nil
}

type fakeClaimStore struct {
	claimed map[string]bool
	calls   []string
}

func (f *fakeClaimStore) Claim(_ context.Context, key string) (bool, error) {
	f.calls = append(f.calls, key)
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true

	return true, nil
}

const (
	testStripeSecret = "whsec_test"
	testPayPalSecret = "paypal_test"
)

func newTestApp(svc service.OrderService, claims *fakeClaimStore) (*fiber.App, *webhook.StripeVerifier, *webhook.PayPalVerifier) {
	stripeVerifier := webhook.NewStripeVerifier(testStripeSecret, 5*time.Minute)
	paypalVerifier := webhook.NewPayPalVerifier(testPayPalSecret)

	handler := NewWebhookHandler(svc, claims, stripeVerifier, paypalVerifier, zap.NewNop(), 1<<20)

	app := fiber.New()
	RegisterRoutes(app, &Handlers{
		Webhook: handler,
		Order:   NewOrderHandler(svc, zap.NewNop()),
	})

	return app, stripeVerifier, paypalVerifier
}

func postJSON(t *testing.T, app *fiber.App, path string, body []byte, headers map[string]string) (*nethttp.Response, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(nethttp.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}

	return resp, decoded
}

func stripePayload(eventID, eventType, intentID string, orderID, userID int64, key string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"data":{"object":{"id":%q,"amount":850,"currency":"eur","metadata":{"orderId":"%d","userId":"%d","idempotencyKey":%q}}}}`,
		eventID, eventType, intentID, orderID, userID, key,
	))
}

func TestStripeWebhook_ValidEventMarksPaid(t *testing.T) {
	svc := &fakeOrderService{}
	claims := &fakeClaimStore{}
	app, stripeVerifier, _ := newTestApp(svc, claims)

	payload := stripePayload("evt_1", "payment_intent.succeeded", "pi_1", 7, 42, "key-7")
	resp, body := postJSON(t, app, "/webhooks/stripe", payload, map[string]string{
		stripeSignatureHeader: stripeVerifier.Sign(payload, time.Now()),
	})

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["order_marked_paid"])

	require.NotNil(t, svc.markPaidIn)
	assert.Equal(t, "stripe", svc.markPaidIn.Provider)
	assert.Equal(t, "evt_1", svc.markPaidIn.EventID)
	assert.Equal(t, int64(7), svc.markPaidIn.OrderID)
	assert.Equal(t, int64(42), svc.markPaidIn.UserID)
	assert.Equal(t, "key-7", svc.markPaidIn.ExpectedIdempotencyKey)
	require.NotNil(t, svc.markPaidIn.PaymentIntentID)
	assert.Equal(t, "pi_1", *svc.markPaidIn.PaymentIntentID)
}

func TestStripeWebhook_InvalidSignatureRejected(t *testing.T) {
	svc := &fakeOrderService{}
	app, _, _ := newTestApp(svc, &fakeClaimStore{})

	payload := stripePayload("evt_1", "payment_intent.succeeded", "pi_1", 7, 42, "key-7")
	resp, body := postJSON(t, app, "/webhooks/stripe", payload, map[string]string{
		stripeSignatureHeader: "t=123,v1=deadbeef",
	})

	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid signature", body["error"])
	assert.Nil(t, svc.markPaidIn)
}

func TestStripeWebhook_DuplicateClaimShortCircuitsBeforeVerification(t *testing.T) {
	svc := &fakeOrderService{}
	claims := &fakeClaimStore{}
	app, stripeVerifier, _ := newTestApp(svc, claims)

	payload := stripePayload("evt_dup", "payment_intent.succeeded", "pi_1", 7, 42, "key-7")
	headers := map[string]string{stripeSignatureHeader: stripeVerifier.Sign(payload, time.Now())}

	resp, _ := postJSON(t, app, "/webhooks/stripe", payload, headers)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	// Retry carries no signature at all; the claim gate drops it first.
	resp, body := postJSON(t, app, "/webhooks/stripe", payload, nil)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])

	require.NotNil(t, svc.markPaidIn)
	assert.Equal(t, []string{"stripe:evt_dup", "stripe:evt_dup"}, claims.calls)
}

func TestStripeWebhook_UnhandledEventTypeIgnored(t *testing.T) {
	svc := &fakeOrderService{}
	app, stripeVerifier, _ := newTestApp(svc, &fakeClaimStore{})

	payload := stripePayload("evt_2", "payment_intent.created", "pi_1", 7, 42, "key-7")
	resp, body := postJSON(t, app, "/webhooks/stripe", payload, map[string]string{
		stripeSignatureHeader: stripeVerifier.Sign(payload, time.Now()),
	})

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ignored"])
	assert.Nil(t, svc.markPaidIn)
}

func TestStripeWebhook_FloatAmountRejected(t *testing.T) {
	svc := &fakeOrderService{}
	app, stripeVerifier, _ := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"evt_f","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":8.50,"currency":"eur","metadata":{"orderId":"7","userId":"42","idempotencyKey":"key-7"}}}}`)
	resp, body := postJSON(t, app, "/webhooks/stripe", payload, map[string]string{
		stripeSignatureHeader: stripeVerifier.Sign(payload, time.Now()),
	})

	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "integers or strings")
	assert.Nil(t, svc.markPaidIn)
}

func TestStripeWebhook_MissingMetadataRejected(t *testing.T) {
	svc := &fakeOrderService{}
	app, stripeVerifier, _ := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"evt_m","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":850,"metadata":{}}}}`)
	resp, body := postJSON(t, app, "/webhooks/stripe", payload, map[string]string{
		stripeSignatureHeader: stripeVerifier.Sign(payload, time.Now()),
	})

	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "orderId")
}

func TestStripeWebhook_ServiceErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"conflict on already paid", apperr.Conflict("Order already paid: 7"), 409},
		{"not found", apperr.NotFound("Order not found: 7"), 404},
		{"metadata mismatch", apperr.Validation("Webhook metadata mismatch for order identity/idempotency"), 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeOrderService{markPaidErr: tt.err}
			app, stripeVerifier, _ := newTestApp(svc, &fakeClaimStore{})

			payload := stripePayload("evt_e", "payment_intent.succeeded", "pi_1", 7, 42, "key-7")
			resp, _ := postJSON(t, app, "/webhooks/stripe", payload, map[string]string{
				stripeSignatureHeader: stripeVerifier.Sign(payload, time.Now()),
			})

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestStripeWebhook_MalformedBodyRejected(t *testing.T) {
	app, _, _ := newTestApp(&fakeOrderService{}, &fakeClaimStore{})

	resp, _ := postJSON(t, app, "/webhooks/stripe", []byte(`{not json`), nil)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
}

func TestWireAmount_StringAndIntegerFormsAccepted(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"decimal string", `{"v":"8.50"}`, true},
		{"integer string", `{"v":"850"}`, true},
		{"bare integer", `{"v":850}`, true},
		{"bare float", `{"v":8.5}`, false},
		{"exponent", `{"v":1e2}`, false},
		{"absent", `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var holder struct {
				V wireAmount `json:"v"`
			}
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &holder))
			assert.Equal(t, tt.ok, holder.V.acceptable())
		})
	}
}

func TestPayPalWebhook_ValidEventProcessed(t *testing.T) {
	svc := &fakeOrderService{}
	app, _, paypalVerifier := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"cap_1","custom_id":"7","amount":{"value":"8.50","currency_code":"EUR"}}}`)
	resp, body := postJSON(t, app, "/webhooks/paypal", payload, map[string]string{
		paypalSignatureHeader: paypalVerifier.Sign(payload, "tx-1", "2026-08-29T10:00:00Z"),
	})

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["order_marked_paid"])

	require.NotNil(t, svc.processIn)
	assert.Equal(t, "paypal", svc.processIn.Provider)
	assert.Equal(t, "WH-1", svc.processIn.EventID)
	require.NotNil(t, svc.processIn.OrderID)
	assert.Equal(t, int64(7), *svc.processIn.OrderID)
	assert.JSONEq(t, string(payload), string(svc.processIn.Payload))
}

func TestPayPalWebhook_InvalidSignatureRejected(t *testing.T) {
	svc := &fakeOrderService{}
	app, _, _ := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"custom_id":"7"}}`)
	resp, _ := postJSON(t, app, "/webhooks/paypal", payload, map[string]string{
		paypalSignatureHeader: "bogus",
	})

	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, svc.processIn)
}

func TestPayPalWebhook_IgnoredEventType(t *testing.T) {
	svc := &fakeOrderService{}
	app, _, paypalVerifier := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.DENIED","resource":{"custom_id":"7"}}`)
	resp, body := postJSON(t, app, "/webhooks/paypal", payload, map[string]string{
		paypalSignatureHeader: paypalVerifier.Sign(payload, "tx-2", "2026-08-29T10:00:00Z"),
	})

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ignored"])
	assert.Nil(t, svc.processIn)
}

func TestPayPalWebhook_FloatAmountRejected(t *testing.T) {
	svc := &fakeOrderService{}
	app, _, paypalVerifier := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"WH-3","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"custom_id":"7","amount":{"value":8.5,"currency_code":"EUR"}}}`)
	resp, _ := postJSON(t, app, "/webhooks/paypal", payload, map[string]string{
		paypalSignatureHeader: paypalVerifier.Sign(payload, "tx-3", "2026-08-29T10:00:00Z"),
	})

	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, svc.processIn)
}

func TestPayPalWebhook_FallsBackToCaptureID(t *testing.T) {
	svc := &fakeOrderService{}
	app, _, paypalVerifier := newTestApp(svc, &fakeClaimStore{})

	payload := []byte(`{"id":"WH-4","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"cap_4","amount":{"value":"8.50","currency_code":"EUR"}}}`)
	resp, _ := postJSON(t, app, "/webhooks/paypal", payload, map[string]string{
		paypalSignatureHeader: paypalVerifier.Sign(payload, "tx-4", "2026-08-29T10:00:00Z"),
	})

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	require.NotNil(t, svc.processIn)
	assert.Nil(t, svc.processIn.OrderID)
	require.NotNil(t, svc.processIn.StripePaymentIntentID)
	assert.Equal(t, "cap_4", *svc.processIn.StripePaymentIntentID)
}

func TestWebhook_OversizedBodyRejected(t *testing.T) {
	svc := &fakeOrderService{}
	handler := NewWebhookHandler(
		svc,
		&fakeClaimStore{},
		webhook.NewStripeVerifier(testStripeSecret, 5*time.Minute),
		webhook.NewPayPalVerifier(testPayPalSecret),
		zap.NewNop(),
		64,
	)

	app := fiber.New()
	RegisterRoutes(app, &Handlers{Webhook: handler, Order: NewOrderHandler(svc, zap.NewNop())})

	payload := stripePayload("evt_big", "payment_intent.succeeded", "pi_1", 7, 42, "key-7")
	resp, _ := postJSON(t, app, "/webhooks/stripe", payload, nil)

	assert.Equal(t, nethttp.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Nil(t, svc.markPaidIn)
}
