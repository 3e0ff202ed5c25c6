package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// CreateOrder сохраняет заказ с позициями и резервирует остатки по каждой
// позиции в одной транзакции. При нехватке остатка по любой позиции вся
// транзакция откатывается без частичного резервирования. Коллизия дневного
// номера заказа (два заказа в один момент) разрешается повторной попыткой.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order, lines []model.OrderLine) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = r.createOrder(ctx, order, lines)
		if err != nil && isUniqueViolation(err, "orders_order_number_key") {
			continue
		}
		return err
	}
	return err
}

func (r *PostgresRepository) createOrder(ctx context.Context, order *model.Order, lines []model.OrderLine) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	number, err := nextOrderNumber(ctx, tx)
	if err != nil {
		return err
	}
	order.OrderNumber = number

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, order_number, total_amount, used_points, final_amount, earned_points, currency, order_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		order.UserID, order.OrderNumber, order.TotalAmount, order.UsedPoints,
		order.FinalAmount, order.EarnedPoints, order.Currency, string(order.Status),
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range lines {
		lines[i].OrderID = order.ID

		err = tx.QueryRow(ctx,
			`INSERT INTO order_lines (order_id, product_id, product_name, unit_price, quantity)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			lines[i].OrderID, lines[i].ProductID, lines[i].ProductName, lines[i].UnitPrice, lines[i].Quantity,
		).Scan(&lines[i].ID)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`,
			lines[i].ProductID, lines[i].Quantity,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, lines[i].ProductID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check product: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: id %d", ErrProductNotFound, lines[i].ProductID)
			}
			return fmt.Errorf("%w: product %d, want %d", model.ErrInsufficientStock, lines[i].ProductID, lines[i].Quantity)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// nextOrderNumber строит дневной номер ORD-YYYYMMDD-NNNN по количеству
// сегодняшних заказов. Уникальность гарантирует ограничение на order_number.
func nextOrderNumber(ctx context.Context, q querier) (string, error) {
	datePart := time.Now().UTC().Format("20060102")

	var count int64
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM orders WHERE order_number LIKE $1`,
		"ORD-"+datePart+"-%",
	).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("count today orders: %w", err)
	}

	return fmt.Sprintf("ORD-%s-%04d", datePart, count+1), nil
}

const orderColumns = `id, user_id, order_number, total_amount, used_points, final_amount, earned_points, currency, order_status, created_at`

func scanOrder(row pgx.Row, o *model.Order) error {
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.OrderNumber, &o.TotalAmount, &o.UsedPoints,
		&o.FinalAmount, &o.EarnedPoints, &o.Currency, &status, &o.CreatedAt)
	if err != nil {
		return err
	}
	o.Status = model.OrderStatus(status)
	return nil
}

// GetOrder возвращает заказ по внутреннему идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)

	var o model.Order
	if err := scanOrder(row, &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// GetOrderByNumber возвращает заказ по публичному номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number)

	var o model.Order
	if err := scanOrder(row, &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by number: %w", err)
	}
	return &o, nil
}

// ListOrdersByUser возвращает заказы пользователя от новых к старым.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListOrderLines возвращает позиции заказа.
func (r *PostgresRepository) ListOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, product_id, product_name, unit_price, quantity
		 FROM order_lines WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OrderLine
	for rows.Next() {
		var l model.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// ListOrdersForAutoConfirm возвращает идентификаторы заказов, ожидающих
// подтверждение дольше грейс-окна.
func (r *PostgresRepository) ListOrdersForAutoConfirm(ctx context.Context, olderThan time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM orders WHERE order_status = $1 AND created_at < $2 ORDER BY created_at`,
		string(model.OrderStatusPendingConfirmation), olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for auto-confirm: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// ConfirmOrder подтверждает заказ одной транзакцией: переход статуса,
// начисление поинтов, увеличение накопленной оплаты и пересчёт грейда.
// Двойное подтверждение завершается ErrInvalidOrderState, а не повторным
// начислением.
func (r *PostgresRepository) ConfirmOrder(ctx context.Context, orderID int64, earnExpiry time.Time, decide model.GradeDecider) (model.GradeChange, error) {
	var change model.GradeChange

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return change, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)

	var o model.Order
	if err := scanOrder(row, &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return change, ErrOrderNotFound
		}
		return change, fmt.Errorf("lock order: %w", err)
	}

	if err := o.Confirm(); err != nil {
		return change, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET order_status = $2 WHERE id = $1`,
		orderID, string(model.OrderStatusConfirmed),
	); err != nil {
		return change, fmt.Errorf("update order status: %w", err)
	}

	if o.EarnedPoints > 0 {
		if err := earnTx(ctx, tx, o.UserID, &orderID, o.EarnedPoints, earnExpiry); err != nil {
			return change, err
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE paid_amounts SET total_paid_amount = total_paid_amount + $2, updated_at = now() WHERE user_id = $1`,
		o.UserID, o.FinalAmount,
	)
	if err != nil {
		return change, fmt.Errorf("increase paid amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return change, fmt.Errorf("%w: id %d", ErrUserNotFound, o.UserID)
	}

	change, err = recomputeGradeTx(ctx, tx, o.UserID, &orderID, "order confirmed", decide)
	if err != nil {
		return change, err
	}

	if err := tx.Commit(ctx); err != nil {
		return change, fmt.Errorf("commit tx: %w", err)
	}

	return change, nil
}

// CancelOrder отменяет заказ и возвращает потраченные на него поинты их
// исходным начислениям. Остатки на складе отмена не трогает: при возврате
// их восстанавливает оркестратор возврата.
func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID int64) (*model.Order, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)

	var o model.Order
	if err := scanOrder(row, &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrOrderNotFound
		}
		return nil, 0, fmt.Errorf("lock order: %w", err)
	}

	if err := o.Cancel(); err != nil {
		return nil, 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET order_status = $2 WHERE id = $1`,
		orderID, string(model.OrderStatusCancelled),
	); err != nil {
		return nil, 0, fmt.Errorf("update order status: %w", err)
	}

	restored, err := refundPointsTx(ctx, tx, o.UserID, orderID)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit tx: %w", err)
	}

	return &o, restored, nil
}
