package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// earnTx записывает транзакцию начисления и увеличивает снимок баланса.
// Выполняется внутри объемлющей транзакции.
func earnTx(ctx context.Context, q querier, userID int64, orderID *int64, amount int64, expiresAt time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: earn %d", model.ErrInvalidAmount, amount)
	}

	_, err := q.Exec(ctx,
		`INSERT INTO point_transactions (user_id, order_id, amount, kind, remaining_amount, expires_at)
		 VALUES ($1, $2, $3, $4, $3, $5)`,
		userID, orderID, amount, string(model.PointKindEarned), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert earned transaction: %w", err)
	}

	if err := adjustBalanceTx(ctx, q, userID, amount); err != nil {
		return err
	}

	return nil
}

// refundPointsTx возвращает все активные списания заказа их исходным
// начислениям: помечает строки point_usages как реверсированные,
// восстанавливает remaining_amount источников (в том числе уже просроченных —
// до следующего прохода свипа они снова доступны) и записывает одну
// REFUNDED-транзакцию на общую сумму. Для заказа без списаний — no-op.
func refundPointsTx(ctx context.Context, q querier, userID, orderID int64) (int64, error) {
	rows, err := q.Query(ctx,
		`UPDATE point_usages SET reversed_at = now()
		 WHERE order_id = $1 AND reversed_at IS NULL
		 RETURNING point_transaction_id, amount`,
		orderID,
	)
	if err != nil {
		return 0, fmt.Errorf("reverse point usages: %w", err)
	}

	var usages []model.PointUsage
	for rows.Next() {
		var u model.PointUsage
		if err := rows.Scan(&u.PointTransactionID, &u.Amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan point usage: %w", err)
		}
		usages = append(usages, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}

	if len(usages) == 0 {
		return 0, nil
	}

	var total int64
	for _, u := range usages {
		if _, err := q.Exec(ctx,
			`UPDATE point_transactions SET remaining_amount = remaining_amount + $2 WHERE id = $1`,
			u.PointTransactionID, u.Amount,
		); err != nil {
			return 0, fmt.Errorf("restore remaining amount: %w", err)
		}
		total += u.Amount
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO point_transactions (user_id, order_id, amount, kind)
		 VALUES ($1, $2, $3, $4)`,
		userID, orderID, total, string(model.PointKindRefunded),
	); err != nil {
		return 0, fmt.Errorf("insert refunded transaction: %w", err)
	}

	if err := adjustBalanceTx(ctx, q, userID, total); err != nil {
		return 0, err
	}

	return total, nil
}

// applyPointDrawTx исполняет план FIFO-списания: уменьшает остатки
// источников охраняемыми апдейтами, пишет строки point_usages и одну
// SPENT-транзакцию на общую сумму. Устаревший план (остаток источника уже
// меньше планового) приводит к ErrInsufficientPoints и откату.
func applyPointDrawTx(ctx context.Context, q querier, userID, orderID int64, draw []model.PointDraw, total int64) error {
	for _, d := range draw {
		tag, err := q.Exec(ctx,
			`UPDATE point_transactions SET remaining_amount = remaining_amount - $2
			 WHERE id = $1 AND kind = $3 AND remaining_amount >= $2`,
			d.TransactionID, d.Amount, string(model.PointKindEarned),
		)
		if err != nil {
			return fmt.Errorf("deduct remaining amount: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: stale draw plan for transaction %d", model.ErrInsufficientPoints, d.TransactionID)
		}

		if _, err := q.Exec(ctx,
			`INSERT INTO point_usages (point_transaction_id, order_id, amount) VALUES ($1, $2, $3)`,
			d.TransactionID, orderID, d.Amount,
		); err != nil {
			return fmt.Errorf("insert point usage: %w", err)
		}
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO point_transactions (user_id, order_id, amount, kind)
		 VALUES ($1, $2, $3, $4)`,
		userID, orderID, -total, string(model.PointKindSpent),
	); err != nil {
		return fmt.Errorf("insert spent transaction: %w", err)
	}

	if err := adjustBalanceTx(ctx, q, userID, -total); err != nil {
		return err
	}

	return nil
}

func adjustBalanceTx(ctx context.Context, q querier, userID, delta int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE point_balances SET current_points = current_points + $2, updated_at = now() WHERE user_id = $1`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("update balance snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
	}
	return nil
}

// GetPointBalance читает снимок баланса. Для неизвестного пользователя — ноль.
func (r *PostgresRepository) GetPointBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT current_points FROM point_balances WHERE user_id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get point balance: %w", err)
	}
	return balance, nil
}

// AvailableEarnedPoints возвращает непросроченные начисления с остатком,
// отсортированные от самых старых — порядок FIFO-списания.
func (r *PostgresRepository) AvailableEarnedPoints(ctx context.Context, userID int64, now time.Time) ([]model.EarnedPoint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, remaining_amount FROM point_transactions
		 WHERE user_id = $1 AND kind = $2 AND remaining_amount > 0
		   AND (expires_at IS NULL OR expires_at > $3)
		 ORDER BY created_at, id`,
		userID, string(model.PointKindEarned), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select available points: %w", err)
	}
	defer rows.Close()

	var res []model.EarnedPoint
	for rows.Next() {
		var p model.EarnedPoint
		if err := rows.Scan(&p.TransactionID, &p.Remaining); err != nil {
			return nil, fmt.Errorf("scan earned point: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PointHistory возвращает журнал поинтов пользователя от новых к старым.
func (r *PostgresRepository) PointHistory(ctx context.Context, userID int64, limit int) ([]model.PointTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, order_id, amount, kind, remaining_amount, created_at, expires_at
		 FROM point_transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select point history: %w", err)
	}
	defer rows.Close()

	var res []model.PointTransaction
	for rows.Next() {
		var t model.PointTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Amount, &kind, &t.RemainingAmount, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan point transaction: %w", err)
		}
		t.Kind = model.PointKind(kind)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListExpiredEarned возвращает начисления с остатком и истёкшим сроком.
func (r *PostgresRepository) ListExpiredEarned(ctx context.Context, now time.Time) ([]model.PointTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, remaining_amount FROM point_transactions
		 WHERE kind = $1 AND remaining_amount > 0 AND expires_at < $2
		 ORDER BY id`,
		string(model.PointKindEarned), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired points: %w", err)
	}
	defer rows.Close()

	var res []model.PointTransaction
	for rows.Next() {
		var t model.PointTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.RemainingAmount); err != nil {
			return nil, fmt.Errorf("scan expired point: %w", err)
		}
		t.Kind = model.PointKindEarned
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ExpireEarned гасит остаток одного начисления: обнуляет remaining_amount,
// пишет EXPIRED-транзакцию на списанную сумму и уменьшает снимок баланса.
// Возвращает сумму сгоревших поинтов; ноль — остаток уже погашен.
func (r *PostgresRepository) ExpireEarned(ctx context.Context, pointID int64) (int64, error) {
	var forfeited int64

	err := r.withRetry(ctx, func() error {
		forfeited = 0

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var userID, remaining int64
		err = tx.QueryRow(ctx,
			`SELECT user_id, remaining_amount FROM point_transactions
			 WHERE id = $1 AND kind = $2 FOR UPDATE`,
			pointID, string(model.PointKindEarned),
		).Scan(&userID, &remaining)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lock earned transaction: %w", err)
		}

		if remaining <= 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE point_transactions SET remaining_amount = 0 WHERE id = $1`, pointID,
		); err != nil {
			return fmt.Errorf("zero remaining amount: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO point_transactions (user_id, amount, kind) VALUES ($1, $2, $3)`,
			userID, -remaining, string(model.PointKindExpired),
		); err != nil {
			return fmt.Errorf("insert expired transaction: %w", err)
		}

		if err := adjustBalanceTx(ctx, tx, userID, -remaining); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		forfeited = remaining
		return nil
	})

	return forfeited, err
}

// ListPointBalances возвращает все снимки балансов для свипа синхронизации.
func (r *PostgresRepository) ListPointBalances(ctx context.Context) ([]model.PointBalance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, current_points, updated_at FROM point_balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("select point balances: %w", err)
	}
	defer rows.Close()

	var res []model.PointBalance
	for rows.Next() {
		var b model.PointBalance
		if err := rows.Scan(&b.UserID, &b.CurrentPoints, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan point balance: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SyncPointBalance пересчитывает баланс пользователя из журнала и
// перезаписывает снимок при расхождении. Возвращает признак коррекции и
// актуальный баланс.
func (r *PostgresRepository) SyncPointBalance(ctx context.Context, userID int64) (bool, int64, error) {
	var corrected bool
	var actual int64

	err := r.withRetry(ctx, func() error {
		corrected = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var current int64
		err = tx.QueryRow(ctx,
			`SELECT current_points FROM point_balances WHERE user_id = $1 FOR UPDATE`, userID,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
			}
			return fmt.Errorf("lock balance snapshot: %w", err)
		}

		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM point_transactions WHERE user_id = $1`, userID,
		).Scan(&actual)
		if err != nil {
			return fmt.Errorf("calculate ledger balance: %w", err)
		}

		if actual == current {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE point_balances SET current_points = $2, updated_at = now() WHERE user_id = $1`,
			userID, actual,
		); err != nil {
			return fmt.Errorf("overwrite balance snapshot: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		corrected = true
		return nil
	})

	return corrected, actual, err
}
