package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// recomputeGradeTx пересматривает грейд пользователя по накопленной оплате.
// Блокирует строку users, читает paid_amounts, спрашивает решателя и при
// смене грейда обновляет users и пишет строку grade_history.
func recomputeGradeTx(ctx context.Context, q querier, userID int64, orderID *int64, reason string, decide model.GradeDecider) (model.GradeChange, error) {
	var change model.GradeChange

	var current string
	err := q.QueryRow(ctx,
		`SELECT current_grade FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return change, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return change, fmt.Errorf("lock user: %w", err)
	}

	var totalPaid int64
	err = q.QueryRow(ctx,
		`SELECT total_paid_amount FROM paid_amounts WHERE user_id = $1`, userID,
	).Scan(&totalPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return change, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return change, fmt.Errorf("get paid amount: %w", err)
	}

	change.From = model.GradeName(current)
	change.To = decide(totalPaid)
	change.TotalPaid = totalPaid
	if change.To == change.From {
		return change, nil
	}

	if _, err := q.Exec(ctx,
		`UPDATE users SET current_grade = $2 WHERE id = $1`, userID, string(change.To),
	); err != nil {
		return change, fmt.Errorf("update grade: %w", err)
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO grade_history (user_id, from_grade, to_grade, trigger_order_id, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, string(change.From), string(change.To), orderID, reason,
	); err != nil {
		return change, fmt.Errorf("insert grade history: %w", err)
	}

	change.Changed = true
	return change, nil
}

// RecomputeGrade пересчитывает грейд вне заказа и возврата, например после
// ручной коррекции paid_amounts.
func (r *PostgresRepository) RecomputeGrade(ctx context.Context, userID int64, reason string, decide model.GradeDecider) (model.GradeChange, error) {
	var change model.GradeChange

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		change, err = recomputeGradeTx(ctx, tx, userID, nil, reason, decide)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})

	return change, err
}

// GetUserGrade возвращает текущий грейд пользователя.
func (r *PostgresRepository) GetUserGrade(ctx context.Context, userID int64) (model.GradeName, error) {
	var grade string
	err := r.pool.QueryRow(ctx,
		`SELECT current_grade FROM users WHERE id = $1`, userID,
	).Scan(&grade)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return "", fmt.Errorf("get user grade: %w", err)
	}
	return model.GradeName(grade), nil
}

// GetPaidAmount возвращает накопленную оплату пользователя.
func (r *PostgresRepository) GetPaidAmount(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT total_paid_amount FROM paid_amounts WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return 0, fmt.Errorf("get paid amount: %w", err)
	}
	return total, nil
}

// GradeHistoryByUser возвращает историю смен грейда от новых к старым.
func (r *PostgresRepository) GradeHistoryByUser(ctx context.Context, userID int64) ([]model.GradeHistory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, from_grade, to_grade, trigger_order_id, reason, updated_at
		 FROM grade_history WHERE user_id = $1 ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select grade history: %w", err)
	}
	defer rows.Close()

	var res []model.GradeHistory
	for rows.Next() {
		var h model.GradeHistory
		var from *string
		var to string
		if err := rows.Scan(&h.ID, &h.UserID, &from, &to, &h.TriggerOrderID, &h.Reason, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan grade history: %w", err)
		}
		if from != nil {
			g := model.GradeName(*from)
			h.FromGrade = &g
		}
		h.ToGrade = model.GradeName(to)
		res = append(res, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
