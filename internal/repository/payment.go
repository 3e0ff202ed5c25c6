package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/commerce-system/internal/model"
)

const paymentColumns = `id, internal_id, gateway_ref, order_id, amount, points_to_use, status, created_at`

func scanPayment(row pgx.Row, p *model.Payment) error {
	var status string
	err := row.Scan(&p.ID, &p.InternalID, &p.GatewayRef, &p.OrderID,
		&p.Amount, &p.PointsToUse, &status, &p.CreatedAt)
	if err != nil {
		return err
	}
	p.Status = model.PaymentStatus(status)
	return nil
}

// CreatePayment сохраняет платёж в статусе PENDING.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (internal_id, order_id, amount, points_to_use, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.InternalID, p.OrderID, p.Amount, p.PointsToUse, string(p.Status),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPaymentByInternalID возвращает платёж по внутреннему идентификатору.
func (r *PostgresRepository) GetPaymentByInternalID(ctx context.Context, internalID string) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE internal_id = $1`, internalID)

	var p model.Payment
	if err := scanPayment(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

// GetPaymentByOrderID возвращает последний платёж заказа.
func (r *PostgresRepository) GetPaymentByOrderID(ctx context.Context, orderID int64) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY id DESC LIMIT 1`, orderID)

	var p model.Payment
	if err := scanPayment(row, &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment by order: %w", err)
	}
	return &p, nil
}

// MarkPaymentFailed переводит платёж из PENDING в FAIL. Для платежа в другом
// статусе ничего не меняет и возвращает ErrInvalidPaymentState.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, internalID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE internal_id = $1 AND status = $3`,
		internalID, string(model.PaymentStatusFail), string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p, err := r.GetPaymentByInternalID(ctx, internalID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: payment %s is %s", model.ErrInvalidPaymentState, internalID, p.Status)
	}
	return nil
}

// ConfirmPayment подтверждает оплату одной транзакцией: платёж переходит в
// PAID с фиксацией ссылки шлюза, заказ из PENDING_PAYMENT в
// PENDING_CONFIRMATION, план FIFO-списания поинтов исполняется охраняемыми
// апдейтами. Повторное подтверждение того же платежа завершается
// ErrPaymentAlreadyProcessed без побочных эффектов.
func (r *PostgresRepository) ConfirmPayment(ctx context.Context, internalID, gatewayRef string, draw []model.PointDraw) (*model.Payment, *model.Order, error) {
	var payment model.Payment
	var order model.Order

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE internal_id = $1 FOR UPDATE`, internalID)
		if err := scanPayment(row, &payment); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("lock payment: %w", err)
		}

		if err := payment.MarkPaid(gatewayRef); err != nil {
			return err
		}

		row = tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, payment.OrderID)
		if err := scanOrder(row, &order); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if err := order.CompletePayment(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET order_status = $2 WHERE id = $1`,
			order.ID, string(order.Status),
		); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if order.UsedPoints > 0 {
			if err := applyPointDrawTx(ctx, tx, order.UserID, order.ID, draw, order.UsedPoints); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE payments SET status = $2, gateway_ref = $3 WHERE id = $1`,
			payment.ID, string(model.PaymentStatusPaid), gatewayRef,
		); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return &payment, &order, nil
}

// SaveWebhookEvent записывает событие шлюза. Повторная доставка того же
// webhook_id завершается ErrDuplicateWebhook.
func (r *PostgresRepository) SaveWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (webhook_id, payment_ref, event_status, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, received_at`,
		ev.WebhookID, ev.PaymentRef, ev.EventStatus, ev.Status,
	).Scan(&ev.ID, &ev.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err, "webhook_events_webhook_id_key") {
			return ErrDuplicateWebhook
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}
