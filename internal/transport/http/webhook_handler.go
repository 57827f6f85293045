package http

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/shop-payments/internal/idempotency"
	"github.com/sakashimaa/shop-payments/internal/service"
	"github.com/sakashimaa/shop-payments/internal/webhook"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"go.uber.org/zap"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	paypalSignatureHeader = "Paypal-Transmission-Sig"
)

type WebhookHandler struct {
	orders         service.OrderService
	claims         idempotency.ClaimStore
	stripeVerifier webhook.Verifier
	paypalVerifier webhook.Verifier
	logger         *zap.Logger
	maxBodyBytes   int
}

func NewWebhookHandler(
	orders service.OrderService,
	claims idempotency.ClaimStore,
	stripeVerifier webhook.Verifier,
	paypalVerifier webhook.Verifier,
	logger *zap.Logger,
	maxBodyBytes int,
) *WebhookHandler {
	return &WebhookHandler{
		orders:         orders,
		claims:         claims,
		stripeVerifier: stripeVerifier,
		paypalVerifier: paypalVerifier,
		logger:         logger,
		maxBodyBytes:   maxBodyBytes,
	}
}

type stripeMetadata struct {
	OrderID        string `json:"orderId"`
	UserID         string `json:"userId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string         `json:"id"`
			Amount   wireAmount     `json:"amount"`
			Currency string         `json:"currency"`
			Metadata stripeMetadata `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"`
		CustomID string `json:"custom_id"`
		Amount   struct {
			Value        wireAmount `json:"value"`
			CurrencyCode string     `json:"currency_code"`
		} `json:"amount"`
	} `json:"resource"`
}

// wireAmount decodes a monetary field that providers send either as a
// JSON string ("8.50", PayPal) or a bare numeric token (850, Stripe).
type wireAmount struct {
	value    string
	isString bool
}

func (a *wireAmount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		a.value = s
		a.isString = true

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	a.value = n.String()

	return nil
}

// acceptable rejects float-typed monetary tokens. Decimal strings are
// fine; a bare number must be an integer, never floating point.
func (a wireAmount) acceptable() bool {
	if a.isString || a.value == "" {
		return true
	}
	return !strings.ContainsAny(a.value, ".eE")
}

func decodeEvent(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	return dec.Decode(v)
}

func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	body := c.Body()

	if len(body) > h.maxBodyBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "payload too large",
		})
	}

	var event stripeEvent
	if err := decodeEvent(body, &event); err != nil || event.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed event payload",
		})
	}

	// Claim runs before signature verification: under provider retry
	// storms the duplicate is dropped before any crypto work. The
	// durable ledger behind the service still dedupes if this store
	// was wiped.
	accepted, err := h.claims.Claim(c.UserContext(), "stripe:"+event.ID)
	if err == nil && !accepted {
		return c.JSON(fiber.Map{"received": true, "duplicate": true})
	}

	if err := h.stripeVerifier.Verify(body, c.Get(stripeSignatureHeader)); err != nil {
		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"Stripe webhook signature verification failed",
			zap.Error(err),
		)

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid signature",
		})
	}

	if event.Type != "payment_intent.succeeded" {
		return c.JSON(fiber.Map{"received": true, "ignored": true})
	}

	if !event.Data.Object.Amount.acceptable() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "monetary amounts must be integers or strings",
		})
	}

	orderID, err := strconv.ParseInt(event.Data.Object.Metadata.OrderID, 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing or malformed orderId metadata",
		})
	}

	userID, err := strconv.ParseInt(event.Data.Object.Metadata.UserID, 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing or malformed userId metadata",
		})
	}

	var paymentIntentID *string
	if event.Data.Object.ID != "" {
		paymentIntentID = &event.Data.Object.ID
	}

	result, err := h.orders.MarkPaidFromWebhook(c.UserContext(), service.MarkPaidInput{
		Provider:               "stripe",
		EventID:                event.ID,
		PaymentIntentID:        paymentIntentID,
		OrderID:                orderID,
		UserID:                 userID,
		ExpectedIdempotencyKey: event.Data.Object.Metadata.IdempotencyKey,
	})
	if err != nil {
		status, message := statusFromError(err)

		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"Stripe webhook reconciliation failed",
			zap.String("event_id", event.ID),
			zap.Int("http_code", status),
			zap.Error(err),
		)

		return c.Status(status).JSON(fiber.Map{"error": message})
	}

	return c.JSON(fiber.Map{
		"received":          true,
		"replayed":          result.Replayed,
		"order_marked_paid": result.OrderMarkedPaid,
	})
}

func (h *WebhookHandler) PayPal(c *fiber.Ctx) error {
	body := c.Body()

	if len(body) > h.maxBodyBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "payload too large",
		})
	}

	var event paypalEvent
	if err := decodeEvent(body, &event); err != nil || event.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed event payload",
		})
	}

	accepted, err := h.claims.Claim(c.UserContext(), "paypal:"+event.ID)
	if err == nil && !accepted {
		return c.JSON(fiber.Map{"received": true, "duplicate": true})
	}

	if err := h.paypalVerifier.Verify(body, c.Get(paypalSignatureHeader)); err != nil {
		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"PayPal webhook signature verification failed",
			zap.Error(err),
		)

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid signature",
		})
	}

	if event.EventType != "PAYMENT.CAPTURE.COMPLETED" {
		return c.JSON(fiber.Map{"received": true, "ignored": true})
	}

	if !event.Resource.Amount.Value.acceptable() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "monetary amounts must be integers or strings",
		})
	}

	in := service.WebhookEventInput{
		Provider: "paypal",
		EventID:  event.ID,
		Payload:  json.RawMessage(body),
	}

	if event.Resource.CustomID != "" {
		orderID, err := strconv.ParseInt(event.Resource.CustomID, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "malformed custom_id",
			})
		}
		in.OrderID = &orderID
	} else if event.Resource.ID != "" {
		in.StripePaymentIntentID = &event.Resource.ID
	}

	result, err := h.orders.ProcessPaymentWebhookEvent(c.UserContext(), in)
	if err != nil {
		status, message := statusFromError(err)

		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"PayPal webhook reconciliation failed",
			zap.String("event_id", event.ID),
			zap.Int("http_code", status),
			zap.Error(err),
		)

		return c.Status(status).JSON(fiber.Map{"error": message})
	}

	return c.JSON(fiber.Map{
		"received":          true,
		"replayed":          result.Replayed,
		"order_marked_paid": result.OrderMarkedPaid,
	})
}
