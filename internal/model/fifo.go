package model

import "fmt"

// EarnedPoint — минимальное представление транзакции начисления для
// планирования списания: идентификатор и несписанный остаток.
type EarnedPoint struct {
	TransactionID int64
	Remaining     int64
}

// PointDraw — одна строка плана списания: сколько забрать из какой транзакции.
type PointDraw struct {
	TransactionID int64
	Amount        int64
}

// PlanPointDraw строит план списания amount поинтов из списка доступных
// начислений в порядке FIFO (available должен быть отсортирован от самых
// старых). Частичное списание из одной транзакции допустимо. Если доступного
// остатка не хватает, возвращается ErrInsufficientPoints и никакой план.
func PlanPointDraw(available []EarnedPoint, amount int64) ([]PointDraw, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	needed := amount
	var plan []PointDraw

	for _, src := range available {
		if needed == 0 {
			break
		}
		if src.Remaining <= 0 {
			continue
		}

		draw := src.Remaining
		if draw > needed {
			draw = needed
		}

		plan = append(plan, PointDraw{TransactionID: src.TransactionID, Amount: draw})
		needed -= draw
	}

	if needed > 0 {
		return nil, fmt.Errorf("%w: short by %d", ErrInsufficientPoints, needed)
	}

	return plan, nil
}
