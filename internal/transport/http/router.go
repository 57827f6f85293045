package http

import (
	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Webhook *WebhookHandler
	Order   *OrderHandler
}

func RegisterRoutes(app *fiber.App, h *Handlers) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/stripe", h.Webhook.Stripe)
	webhooks.Post("/paypal", h.Webhook.PayPal)

	app.Post("/orders", h.Order.Create)
}
