package http

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/shop-payments/internal/service"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"github.com/sakashimaa/shop-payments/pkg/utils"
	"go.uber.org/zap"
)

type OrderHandler struct {
	orders   service.OrderService
	logger   *zap.Logger
	validate *validator.Validate
}

func NewOrderHandler(orders service.OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orders:   orders,
		logger:   logger,
		validate: validator.New(),
	}
}

type createOrderRequest struct {
	UserID        int64                    `json:"user_id" validate:"required,gt=0"`
	Currency      string                   `json:"currency" validate:"omitempty,oneof=EUR USD GBP JPY"`
	Items         []service.OrderItemInput `json:"items" validate:"required,min=1,dive"`
	ExpectedTotal *string                  `json:"expected_total"`
}

func (h *OrderHandler) Create(c *fiber.Ctx) error {
	input := new(createOrderRequest)

	if err := c.BodyParser(input); err != nil {
		h.logger.Warn(
			"failed to parse body in create order",
			zap.Error(err),
		)

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	idempotencyKey := c.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	result, err := h.orders.CreatePendingPaymentOrder(c.UserContext(), service.CreatePendingPaymentOrderInput{
		CreateOrderInput: service.CreateOrderInput{
			UserID:         input.UserID,
			Items:          input.Items,
			IdempotencyKey: idempotencyKey,
			Currency:       input.Currency,
		},
		ExpectedTotal: input.ExpectedTotal,
	})
	if err != nil {
		status, message := statusFromError(err)

		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"create order failed",
			zap.Int("http_code", status),
			zap.Error(err),
		)

		return c.Status(status).JSON(fiber.Map{"error": message})
	}

	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(fiber.Map{
		"order":    result.Order,
		"replayed": result.Replayed,
	})
}
