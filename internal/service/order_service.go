package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/shop-payments/internal/apperr"
	"github.com/sakashimaa/shop-payments/internal/domain"
	"github.com/sakashimaa/shop-payments/internal/money"
	"github.com/sakashimaa/shop-payments/internal/outbox"
	"github.com/sakashimaa/shop-payments/internal/repository"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultCurrency = "EUR"
	paidEventsTopic = "payment_events"

	orderRepoName = "order_repository"
)

type OrderItemInput struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

type CreateOrderInput struct {
	UserID                int64
	Items                 []OrderItemInput
	IdempotencyKey        string
	Currency              string
	Status                domain.OrderStatus
	StripePaymentIntentID *string
}

type CreatePendingPaymentOrderInput struct {
	CreateOrderInput

	// Exactly one of these may be set. Minor units win when both are.
	ExpectedTotalMinor *int64
	ExpectedTotal      *string
}

type OrderResult struct {
	Order    *domain.Order
	Replayed bool
}

type MarkPaidInput struct {
	Provider               string
	EventID                string
	PaymentIntentID        *string
	OrderID                int64
	UserID                 int64
	ExpectedIdempotencyKey string
}

type WebhookEventInput struct {
	Provider              string
	EventID               string
	OrderID               *int64
	StripePaymentIntentID *string
	Payload               json.RawMessage
}

type WebhookResult struct {
	Replayed        bool
	OrderMarkedPaid bool
}

type OrderService interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*OrderResult, error)
	CreatePendingPaymentOrder(ctx context.Context, in CreatePendingPaymentOrderInput) (*OrderResult, error)
	MarkPaidFromWebhook(ctx context.Context, in MarkPaidInput) (*WebhookResult, error)
	ProcessPaymentWebhookEvent(ctx context.Context, in WebhookEventInput) (*WebhookResult, error)
}

type orderService struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	orderRepo  repository.OrderRepository
	outboxRepo outbox.Repository
	tracer     trace.Tracer
}

func NewOrderService(pool *pgxpool.Pool, logger *zap.Logger, orderRepo repository.OrderRepository, outboxRepo outbox.Repository) OrderService {
	return &orderService{
		pool:       pool,
		logger:     logger,
		orderRepo:  orderRepo,
		outboxRepo: outboxRepo,
		tracer:     otel.Tracer("service/order_service"),
	}
}

type orderLine struct {
	productID int64
	quantity  int64
	unitPrice string
	lineMinor int64
}

type pricedOrder struct {
	lines      []orderLine
	totalMinor int64
	total      string
	currency   string
}

// mergeItems collapses duplicate product lines by summing quantities,
// preserving first-seen order.
func mergeItems(items []OrderItemInput) []OrderItemInput {
	merged := make([]OrderItemInput, 0, len(items))
	index := make(map[int64]int, len(items))

	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}

		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}

	return merged
}

// priceOrder looks up every distinct product price in one query and
// computes line and grand totals in minor units. Fails before any
// mutation when a product is missing.
func (s *orderService) priceOrder(ctx context.Context, items []OrderItemInput, currency string) (*pricedOrder, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}

	prices, err := s.orderRepo.GetProductPrices(ctx, ids)
	if err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "GetProductPrices")
	}

	priced := &pricedOrder{
		lines:    make([]orderLine, 0, len(items)),
		currency: currency,
	}

	lineTotals := make([]int64, 0, len(items))
	for _, item := range items {
		price, ok := prices[item.ProductID]
		if !ok {
			return nil, apperr.NotFound(fmt.Sprintf("Product not found: %d", item.ProductID))
		}

		unitMinor, err := money.ToMinorUnits(price, currency)
		if err != nil {
			return nil, err
		}

		lineMinor, err := money.MultiplyMinorUnits(unitMinor, item.Quantity)
		if err != nil {
			return nil, err
		}

		priced.lines = append(priced.lines, orderLine{
			productID: item.ProductID,
			quantity:  item.Quantity,
			unitPrice: price,
			lineMinor: lineMinor,
		})
		lineTotals = append(lineTotals, lineMinor)
	}

	priced.totalMinor, err = money.SumMinorUnits(lineTotals)
	if err != nil {
		return nil, err
	}

	priced.total, err = money.FromMinorUnits(priced.totalMinor, currency)
	if err != nil {
		return nil, err
	}

	return priced, nil
}

func validateCreateInput(in CreateOrderInput) error {
	if in.UserID <= 0 {
		return apperr.Validation("user id required")
	}
	if in.IdempotencyKey == "" {
		return apperr.Validation("idempotency key required")
	}
	if len(in.Items) == 0 {
		return apperr.Validation("order items required")
	}
	for _, item := range in.Items {
		if item.ProductID <= 0 {
			return apperr.Validation("product id required")
		}
		if item.Quantity <= 0 {
			return apperr.Validation(fmt.Sprintf("invalid quantity for product %d", item.ProductID))
		}
	}

	return nil
}

func (s *orderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*OrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", in.UserID),
		attribute.Int("items_count", len(in.Items)),
	)

	if err := validateCreateInput(in); err != nil {
		return nil, err
	}

	currency := in.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	merged := mergeItems(in.Items)

	priced, err := s.priceOrder(ctx, merged, currency)
	if err != nil {
		return nil, err
	}

	return s.createOrderTx(ctx, in, priced, "CreateOrder")
}

func (s *orderService) CreatePendingPaymentOrder(ctx context.Context, in CreatePendingPaymentOrderInput) (*OrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreatePendingPaymentOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", in.UserID),
		attribute.Int("items_count", len(in.Items)),
	)

	if err := validateCreateInput(in.CreateOrderInput); err != nil {
		return nil, err
	}

	currency := in.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	merged := mergeItems(in.Items)

	priced, err := s.priceOrder(ctx, merged, currency)
	if err != nil {
		return nil, err
	}

	// The expected-total guard runs before the transaction opens.
	if in.ExpectedTotalMinor != nil || in.ExpectedTotal != nil {
		var expected int64
		switch {
		case in.ExpectedTotalMinor != nil:
			if *in.ExpectedTotalMinor < 0 {
				return nil, apperr.Validation("Invalid expected total amount")
			}
			expected = *in.ExpectedTotalMinor
		default:
			expected, err = money.ToMinorUnits(*in.ExpectedTotal, currency)
			if err != nil {
				return nil, apperr.Validation("Invalid expected total amount")
			}
		}

		if expected != priced.totalMinor {
			return nil, apperr.Validation(fmt.Sprintf("Amount mismatch: expected %d, computed %d", expected, priced.totalMinor))
		}
	}

	in.Status = domain.OrderStatusPending

	return s.createOrderTx(ctx, in.CreateOrderInput, priced, "CreatePendingPaymentOrder")
}

func (s *orderService) createOrderTx(ctx context.Context, in CreateOrderInput, priced *pricedOrder, operation string) (*OrderResult, error) {
	status := in.Status
	if status == "" {
		status = domain.OrderStatusPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		mylogger.Error(
			ctx,
			s.logger,
			"Failed to begin transaction",
			zap.Error(err),
		)

		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(
				cleanupCtx,
				s.logger,
				"Error rolling back transaction",
				zap.Error(err),
			)
		}
	}()

	order := &domain.Order{
		UserID:                in.UserID,
		Status:                status,
		IdempotencyKey:        in.IdempotencyKey,
		StripePaymentIntentID: in.StripePaymentIntentID,
		TotalAmount:           priced.total,
		Currency:              priced.currency,
	}

	if err := s.orderRepo.InsertOrder(ctx, tx, order); err != nil {
		if apperr.IsUniqueViolation(err) {
			// Replay: another request with this key already created the
			// order. The failed insert aborted this transaction, so the
			// existing row is re-read through the pool. The unique index
			// makes the racing creator commit first.
			if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				mylogger.Warn(ctx, s.logger, "Error rolling back transaction", zap.Error(err))
			}

			existing, err := s.orderRepo.GetByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
			if err != nil {
				return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
			}

			mylogger.Info(
				ctx,
				s.logger,
				"Order creation replayed",
				zap.Int64("order_id", existing.ID),
				zap.Int64("user_id", in.UserID),
			)

			return &OrderResult{Order: existing, Replayed: true}, nil
		}

		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
	}

	items := make([]domain.OrderItem, 0, len(priced.lines))
	for _, line := range priced.lines {
		affected, err := s.orderRepo.DecreaseStock(ctx, tx, line.productID, line.quantity)
		if err != nil {
			return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
		}
		if affected != 1 {
			return nil, apperr.Validation(fmt.Sprintf("Insufficient stock for product: %d", line.productID))
		}

		items = append(items, domain.OrderItem{
			ProductID: line.productID,
			Quantity:  line.quantity,
			UnitPrice: line.unitPrice,
		})
	}

	if err := s.orderRepo.InsertOrderItems(ctx, tx, order.ID, items); err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
	}

	created, err := s.orderRepo.GetOrderWithItems(ctx, tx, order.ID)
	if err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, operation)
	}

	return &OrderResult{Order: created, Replayed: false}, nil
}

func (s *orderService) MarkPaidFromWebhook(ctx context.Context, in MarkPaidInput) (*WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.MarkPaidFromWebhook")
	defer span.End()

	span.SetAttributes(
		attribute.String("provider", in.Provider),
		attribute.String("event_id", in.EventID),
		attribute.Int64("order_id", in.OrderID),
	)

	if in.EventID == "" {
		return nil, apperr.Validation("event id required")
	}

	provider := in.Provider
	if provider == "" {
		provider = "stripe"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "MarkPaidFromWebhook")
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(
				cleanupCtx,
				s.logger,
				"Error rolling back transaction",
				zap.Error(err),
			)
		}
	}()

	event := &domain.PaymentWebhookEvent{
		Provider: provider,
		EventID:  in.EventID,
		OrderID:  &in.OrderID,
	}

	if err := s.orderRepo.InsertWebhookEvent(ctx, tx, event); err != nil {
		if apperr.IsUniqueViolation(err) {
			mylogger.Info(
				ctx,
				s.logger,
				"Webhook event already processed, skipping",
				zap.String("provider", provider),
				zap.String("event_id", in.EventID),
			)

			return &WebhookResult{Replayed: true, OrderMarkedPaid: false}, nil
		}

		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "MarkPaidFromWebhook")
	}

	order, err := s.orderRepo.GetOrder(ctx, tx, in.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("Order not found: %d", in.OrderID))
		}

		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "MarkPaidFromWebhook")
	}

	// Cross-tenant or stale replay defence: the webhook's metadata must
	// name the exact order identity it claims to settle.
	if order.UserID != in.UserID || order.IdempotencyKey != in.ExpectedIdempotencyKey {
		return nil, apperr.Validation("Webhook metadata mismatch for order identity/idempotency")
	}

	// A distinct event against an already-paid order is a hard conflict,
	// not a replay: the provider is double-settling through another path.
	if order.Status == domain.OrderStatusPaid {
		return nil, apperr.Conflict(fmt.Sprintf("Order already paid: %d", in.OrderID))
	}

	affected, err := s.orderRepo.MarkOrderPaidByID(ctx, tx, in.OrderID, in.PaymentIntentID)
	if err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "MarkPaidFromWebhook")
	}

	marked := affected == 1

	if marked {
		if err := s.emitOrderPaid(ctx, tx, order, provider, in.PaymentIntentID); err != nil {
			return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "MarkPaidFromWebhook")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "MarkPaidFromWebhook")
	}

	return &WebhookResult{Replayed: false, OrderMarkedPaid: marked}, nil
}

type webhookMetadata struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

type webhookPayload struct {
	Metadata webhookMetadata `json:"metadata"`
}

func (s *orderService) ProcessPaymentWebhookEvent(ctx context.Context, in WebhookEventInput) (*WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.ProcessPaymentWebhookEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("provider", in.Provider),
		attribute.String("event_id", in.EventID),
	)

	if in.EventID == "" {
		return nil, apperr.Validation("event id required")
	}
	if in.Provider == "" {
		return nil, apperr.Validation("provider required")
	}
	if in.OrderID == nil && in.StripePaymentIntentID == nil {
		return nil, apperr.Validation("order id or payment intent id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "ProcessPaymentWebhookEvent")
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err := tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Warn(
				cleanupCtx,
				s.logger,
				"Error rolling back transaction",
				zap.Error(err),
			)
		}
	}()

	event := &domain.PaymentWebhookEvent{
		Provider: in.Provider,
		EventID:  in.EventID,
		OrderID:  in.OrderID,
		Payload:  in.Payload,
	}

	if err := s.orderRepo.InsertWebhookEvent(ctx, tx, event); err != nil {
		if apperr.IsUniqueViolation(err) {
			mylogger.Info(
				ctx,
				s.logger,
				"Webhook event already processed, skipping",
				zap.String("provider", in.Provider),
				zap.String("event_id", in.EventID),
			)

			return &WebhookResult{Replayed: true, OrderMarkedPaid: false}, nil
		}

		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "ProcessPaymentWebhookEvent")
	}

	var order *domain.Order
	if in.OrderID != nil {
		order, err = s.orderRepo.GetOrder(ctx, tx, *in.OrderID)
	} else {
		order, err = s.orderRepo.GetOrderByPaymentIntent(ctx, tx, *in.StripePaymentIntentID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			if in.OrderID != nil {
				return nil, apperr.NotFound(fmt.Sprintf("Order not found: %d", *in.OrderID))
			}
			return nil, apperr.NotFound(fmt.Sprintf("Order not found: %s", *in.StripePaymentIntentID))
		}

		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "ProcessPaymentWebhookEvent")
	}

	if len(in.Payload) > 0 {
		var payload webhookPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return nil, apperr.Validation("malformed webhook payload")
		}

		if payload.Metadata.IdempotencyKey != "" && payload.Metadata.IdempotencyKey != order.IdempotencyKey {
			return nil, apperr.Validation("Webhook idempotency key mismatch")
		}
	}

	if order.Status == domain.OrderStatusPaid {
		return nil, apperr.Conflict(fmt.Sprintf("Order already paid: %d", order.ID))
	}

	// Guard on whichever identifier the provider supplied; the intent id
	// is only written when it was provided.
	var affected int64
	if in.OrderID != nil {
		affected, err = s.orderRepo.MarkOrderPaidByID(ctx, tx, *in.OrderID, in.StripePaymentIntentID)
	} else {
		affected, err = s.orderRepo.MarkOrderPaidByPaymentIntent(ctx, tx, *in.StripePaymentIntentID)
	}
	if err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "ProcessPaymentWebhookEvent")
	}

	marked := affected == 1

	if marked {
		if err := s.emitOrderPaid(ctx, tx, order, in.Provider, in.StripePaymentIntentID); err != nil {
			return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "ProcessPaymentWebhookEvent")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.NormalizeDB(ctx, s.logger, err, orderRepoName, "ProcessPaymentWebhookEvent")
	}

	return &WebhookResult{Replayed: false, OrderMarkedPaid: marked}, nil
}

func (s *orderService) emitOrderPaid(ctx context.Context, tx pgx.Tx, order *domain.Order, provider string, paymentIntentID *string) error {
	intentID := ""
	if paymentIntentID != nil {
		intentID = *paymentIntentID
	} else if order.StripePaymentIntentID != nil {
		intentID = *order.StripePaymentIntentID
	}

	envelope := map[string]any{
		"event": "OrderPaid",
		"payload": domain.OrderPaidEvent{
			OrderID:         order.ID,
			UserID:          order.UserID,
			TotalAmount:     order.TotalAmount,
			Currency:        order.Currency,
			PaymentIntentID: intentID,
			Provider:        provider,
			PaidAt:          time.Now().UTC(),
		},
	}

	payloadBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	return s.outboxRepo.SaveEvent(ctx, tx, &outbox.Event{
		AggregateType: "Order",
		AggregateID:   fmt.Sprintf("%d", order.ID),
		EventType:     "OrderPaid",
		Payload:       payloadBytes,
		Topic:         paidEventsTopic,
	})
}
