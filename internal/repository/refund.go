package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// SaveRefundRecord пишет запись аудита возврата вне транзакции саги, чтобы
// PENDING-запись пережила откат. Терминальные FAILED-записи пишутся так же.
func (r *PostgresRepository) SaveRefundRecord(ctx context.Context, rec *model.RefundRecord) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO refunds (payment_id, amount, reason, status, gateway_refund_ref, refund_group_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, refunded_at`,
		rec.PaymentID, rec.Amount, rec.Reason, string(rec.Status), rec.GatewayRefundRef, rec.RefundGroupID,
	).Scan(&rec.ID, &rec.RefundedAt)
	if err != nil {
		return fmt.Errorf("insert refund record: %w", err)
	}
	return nil
}

// ListRefundsByPayment возвращает записи аудита возвратов платежа.
func (r *PostgresRepository) ListRefundsByPayment(ctx context.Context, paymentID int64) ([]model.RefundRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_id, amount, reason, status, gateway_refund_ref, refund_group_id, refunded_at
		 FROM refunds WHERE payment_id = $1 ORDER BY id`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select refunds: %w", err)
	}
	defer rows.Close()

	var res []model.RefundRecord
	for rows.Next() {
		var rec model.RefundRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.Amount, &rec.Reason, &status,
			&rec.GatewayRefundRef, &rec.RefundGroupID, &rec.RefundedAt); err != nil {
			return nil, fmt.Errorf("scan refund record: %w", err)
		}
		rec.Status = model.RefundStatus(status)
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RefundTx держит открытую транзакцию возврата с заблокированными строками
// платежа и заказа. Блокировка живёт на время вызова шлюза: конкурирующий
// возврат того же платежа ждёт на FOR UPDATE и после коммита видит статус
// REFUND. Вызывающий обязан завершить транзакцию через Complete или Rollback.
type RefundTx struct {
	tx      pgx.Tx
	repo    *PostgresRepository
	payment model.Payment
	order   model.Order
	done    bool
}

// BeginRefund открывает транзакцию возврата: блокирует платёж по внутреннему
// идентификатору и его заказ, проверяет, что платёж оплачен, а заказ ещё в
// окне возврата.
func (r *PostgresRepository) BeginRefund(ctx context.Context, internalID string) (*RefundTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	rt := &RefundTx{tx: tx, repo: r}

	row := tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE internal_id = $1 FOR UPDATE`, internalID)
	if err := scanPayment(row, &rt.payment); err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("lock payment: %w", err)
	}

	if err := rt.payment.MarkRefunded(); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}

	row = tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, rt.payment.OrderID)
	if err := scanOrder(row, &rt.order); err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if !rt.order.IsAwaitingConfirmation() {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: order %s is %s, refund window closed",
			model.ErrInvalidOrderState, rt.order.OrderNumber, rt.order.Status)
	}

	return rt, nil
}

// Payment возвращает снимок заблокированного платежа.
func (rt *RefundTx) Payment() model.Payment { return rt.payment }

// Order возвращает снимок заблокированного заказа.
func (rt *RefundTx) Order() model.Order { return rt.order }

// Rollback откатывает транзакцию возврата. Безопасен после Complete.
func (rt *RefundTx) Rollback(ctx context.Context) {
	if rt.done {
		return
	}
	rt.done = true
	rt.tx.Rollback(ctx)
}

// Complete фиксирует возврат: платёж переходит в REFUND, заказ в CANCELLED,
// остатки на складе восстанавливаются по позициям, списанные поинты
// возвращаются источникам, накопленная оплата уменьшается и грейд
// пересчитывается. Запись аудита COMPLETED входит в ту же транзакцию.
func (rt *RefundTx) Complete(ctx context.Context, rec *model.RefundRecord, decide model.GradeDecider) (model.GradeChange, error) {
	var change model.GradeChange
	if rt.done {
		return change, fmt.Errorf("refund tx already finished")
	}

	tx := rt.tx

	if _, err := tx.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE id = $1`,
		rt.payment.ID, string(model.PaymentStatusRefund),
	); err != nil {
		return change, fmt.Errorf("update payment status: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET order_status = $2 WHERE id = $1`,
		rt.order.ID, string(model.OrderStatusCancelled),
	); err != nil {
		return change, fmt.Errorf("update order status: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT product_id, quantity FROM order_lines WHERE order_id = $1`, rt.order.ID)
	if err != nil {
		return change, fmt.Errorf("select order lines: %w", err)
	}
	type lineStock struct {
		productID int64
		quantity  int32
	}
	var stocks []lineStock
	for rows.Next() {
		var ls lineStock
		if err := rows.Scan(&ls.productID, &ls.quantity); err != nil {
			rows.Close()
			return change, fmt.Errorf("scan order line: %w", err)
		}
		stocks = append(stocks, ls)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return change, fmt.Errorf("rows error: %w", err)
	}

	for _, ls := range stocks {
		if _, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock + $2 WHERE id = $1`,
			ls.productID, ls.quantity,
		); err != nil {
			return change, fmt.Errorf("restore stock: %w", err)
		}
	}

	if _, err := refundPointsTx(ctx, tx, rt.order.UserID, rt.order.ID); err != nil {
		return change, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE paid_amounts SET total_paid_amount = GREATEST(total_paid_amount - $2, 0), updated_at = now()
		 WHERE user_id = $1`,
		rt.order.UserID, rt.order.FinalAmount,
	); err != nil {
		return change, fmt.Errorf("decrease paid amount: %w", err)
	}

	change, err = recomputeGradeTx(ctx, tx, rt.order.UserID, &rt.order.ID, "refund", decide)
	if err != nil {
		return change, err
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO refunds (payment_id, amount, reason, status, gateway_refund_ref, refund_group_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, refunded_at`,
		rec.PaymentID, rec.Amount, rec.Reason, string(rec.Status), rec.GatewayRefundRef, rec.RefundGroupID,
	).Scan(&rec.ID, &rec.RefundedAt); err != nil {
		return change, fmt.Errorf("insert refund record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return change, fmt.Errorf("commit tx: %w", err)
	}
	rt.done = true

	rt.payment.Status = model.PaymentStatusRefund
	rt.order.Status = model.OrderStatusCancelled

	return change, nil
}
