package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/shop-payments/internal/domain"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OrderRepository interface {
	GetProductPrices(ctx context.Context, ids []int64) (map[int64]string, error)
	InsertOrder(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*domain.Order, error)
	DecreaseStock(ctx context.Context, tx pgx.Tx, productID, quantity int64) (int64, error)
	InsertOrderItems(ctx context.Context, tx pgx.Tx, orderID int64, items []domain.OrderItem) error
	GetOrderWithItems(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error)
	InsertWebhookEvent(ctx context.Context, tx pgx.Tx, event *domain.PaymentWebhookEvent) error
	GetOrder(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, tx pgx.Tx, paymentIntentID string) (*domain.Order, error)
	MarkOrderPaidByID(ctx context.Context, tx pgx.Tx, orderID int64, paymentIntentID *string) (int64, error)
	MarkOrderPaidByPaymentIntent(ctx context.Context, tx pgx.Tx, paymentIntentID string) (int64, error)
}

type orderRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderRepository(pool *pgxpool.Pool, logger *zap.Logger) OrderRepository {
	return &orderRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/order_repo"),
	}
}

func (r *orderRepo) GetProductPrices(ctx context.Context, ids []int64) (map[int64]string, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetProductPrices")
	defer span.End()

	span.SetAttributes(
		attribute.Int("product_count", len(ids)),
	)

	query := `
		SELECT id, price::text
		FROM products
		WHERE id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to query product prices",
			zap.Error(err),
		)

		return nil, fmt.Errorf("failed to query product prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var price string
		if err := rows.Scan(&id, &price); err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("error scanning product price: %w", err)
		}

		prices[id] = price
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("rows error: %w", err)
	}

	return prices, nil
}

func (r *orderRepo) InsertOrder(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.InsertOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", order.UserID),
		attribute.String("status", string(order.Status)),
	)

	query := `
		INSERT INTO orders (user_id, status, idempotency_key, stripe_payment_intent_id, total_amount, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		order.UserID,
		string(order.Status),
		order.IdempotencyKey,
		order.StripePaymentIntentID,
		order.TotalAmount,
		order.Currency,
	).Scan(
		&order.ID,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		return err
	}

	return nil
}

func (r *orderRepo) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByIdempotencyKey")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", userID),
	)

	query := `
		SELECT id, user_id, status, idempotency_key, stripe_payment_intent_id, total_amount::text, currency, created_at, updated_at
		FROM orders
		WHERE user_id = $1 AND idempotency_key = $2
	`

	order, err := scanOrder(r.pool.QueryRow(ctx, query, userID, key))
	if err != nil {
		span.RecordError(err)

		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		return nil, fmt.Errorf("failed to query order by idempotency key: %w", err)
	}

	order.Items, err = r.queryItems(ctx, r.pool, order.ID)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	return order, nil
}

func (r *orderRepo) DecreaseStock(ctx context.Context, tx pgx.Tx, productID, quantity int64) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.DecreaseStock")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.Int64("quantity", quantity),
	)

	query := `
		UPDATE products
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1
			AND stock >= $2
	`

	commandTag, err := tx.Exec(ctx, query, productID, quantity)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error decreasing stock",
			zap.Int64("product_id", productID),
			zap.Int64("quantity", quantity),
			zap.Error(err),
		)

		return 0, fmt.Errorf("error decreasing stock for product %d: %w", productID, err)
	}

	return commandTag.RowsAffected(), nil
}

func (r *orderRepo) InsertOrderItems(ctx context.Context, tx pgx.Tx, orderID int64, items []domain.OrderItem) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.InsertOrderItems")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.Int("items_count", len(items)),
	)

	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4::numeric)
	`

	for _, item := range items {
		if _, err := tx.Exec(
			ctx,
			query,
			orderID,
			item.ProductID,
			item.Quantity,
			item.UnitPrice,
		); err != nil {
			span.RecordError(err)

			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return nil
}

func (r *orderRepo) GetOrderWithItems(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetOrderWithItems")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
	)

	order, err := r.GetOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	order.Items, err = r.queryItems(ctx, tx, orderID)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	return order, nil
}

func (r *orderRepo) InsertWebhookEvent(ctx context.Context, tx pgx.Tx, event *domain.PaymentWebhookEvent) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.InsertWebhookEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("provider", event.Provider),
		attribute.String("event_id", event.EventID),
	)

	query := `
		INSERT INTO payment_webhook_events (provider, event_id, order_id, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		event.Provider,
		event.EventID,
		event.OrderID,
		event.Payload,
	).Scan(
		&event.ID,
		&event.CreatedAt,
	); err != nil {
		span.RecordError(err)

		return err
	}

	return nil
}

func (r *orderRepo) GetOrder(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
	)

	query := `
		SELECT id, user_id, status, idempotency_key, stripe_payment_intent_id, total_amount::text, currency, created_at, updated_at
		FROM orders
		WHERE id = $1
	`

	order, err := scanOrder(tx.QueryRow(ctx, query, orderID))
	if err != nil {
		span.RecordError(err)

		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		return nil, fmt.Errorf("failed to query order %d: %w", orderID, err)
	}

	return order, nil
}

func (r *orderRepo) GetOrderByPaymentIntent(ctx context.Context, tx pgx.Tx, paymentIntentID string) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetOrderByPaymentIntent")
	defer span.End()

	query := `
		SELECT id, user_id, status, idempotency_key, stripe_payment_intent_id, total_amount::text, currency, created_at, updated_at
		FROM orders
		WHERE stripe_payment_intent_id = $1
	`

	order, err := scanOrder(tx.QueryRow(ctx, query, paymentIntentID))
	if err != nil {
		span.RecordError(err)

		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		return nil, fmt.Errorf("failed to query order by payment intent: %w", err)
	}

	return order, nil
}

func (r *orderRepo) MarkOrderPaidByID(ctx context.Context, tx pgx.Tx, orderID int64, paymentIntentID *string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.MarkOrderPaidByID")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
	)

	// status <> 'paid' is the guard: a racing confirmation that already
	// flipped the order makes this a zero-row no-op, not an error.
	query := `
		UPDATE orders
		SET status = 'paid',
			stripe_payment_intent_id = COALESCE($2, stripe_payment_intent_id),
			updated_at = NOW()
		WHERE id = $1
			AND status <> 'paid'
	`

	commandTag, err := tx.Exec(ctx, query, orderID, paymentIntentID)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to mark order paid",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)

		return 0, fmt.Errorf("failed to mark order %d paid: %w", orderID, err)
	}

	return commandTag.RowsAffected(), nil
}

func (r *orderRepo) MarkOrderPaidByPaymentIntent(ctx context.Context, tx pgx.Tx, paymentIntentID string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.MarkOrderPaidByPaymentIntent")
	defer span.End()

	query := `
		UPDATE orders
		SET status = 'paid', updated_at = NOW()
		WHERE stripe_payment_intent_id = $1
			AND status <> 'paid'
	`

	commandTag, err := tx.Exec(ctx, query, paymentIntentID)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to mark order paid by payment intent",
			zap.Error(err),
		)

		return 0, fmt.Errorf("failed to mark order paid by payment intent: %w", err)
	}

	return commandTag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var status string

	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&status,
		&order.IdempotencyKey,
		&order.StripePaymentIntentID,
		&order.TotalAmount,
		&order.Currency,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatus(status)

	return &order, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *orderRepo) queryItems(ctx context.Context, q querier, orderID int64) ([]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, quantity, unit_price::text
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`

	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		mylogger.Error(
			ctx,
			r.logger,
			"Failed to query order items",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)

		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
		); err != nil {
			return nil, fmt.Errorf("error scanning order item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}
