package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
)

// LineRequest — позиция создаваемого заказа.
type LineRequest struct {
	ProductID int64
	Quantity  int32
}

// OrderService реализует жизненный цикл заказа: создание с резервированием
// остатков, подтверждение с начислением поинтов и отмену.
type OrderService struct {
	repo          Repository
	decide        model.GradeDecider
	policies      []model.GradePolicy
	pointValidity time.Duration
	interval      time.Duration
	grace         time.Duration
	logger        *zap.Logger
}

// NewOrderService создаёт сервис заказов.
func NewOrderService(repo Repository, policies []model.GradePolicy, pointValidity, interval, grace time.Duration, logger *zap.Logger) *OrderService {
	return &OrderService{
		repo:          repo,
		decide:        func(totalPaid int64) model.GradeName { return model.DetermineGrade(policies, totalPaid).Grade },
		policies:      policies,
		pointValidity: pointValidity,
		interval:      interval,
		grace:         grace,
		logger:        logger,
	}
}

// Create создаёт заказ: снимает цены и названия товаров, резервирует остатки,
// проверяет баланс поинтов по снимку и считает поинты к начислению по текущему
// грейду пользователя. Заказ сохраняется в PENDING_PAYMENT.
func (s *OrderService) Create(ctx context.Context, userID int64, lines []LineRequest, pointsToUse int64) (*model.Order, []model.OrderLine, error) {
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("%w: order needs at least one line", model.ErrInvalidAmount)
	}
	if pointsToUse < 0 {
		return nil, nil, fmt.Errorf("%w: points to use %d", model.ErrInvalidAmount, pointsToUse)
	}

	if err := s.repo.EnsureUser(ctx, userID); err != nil {
		return nil, nil, err
	}

	var total int64
	orderLines := make([]model.OrderLine, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: quantity %d for product %d", model.ErrInvalidAmount, l.Quantity, l.ProductID)
		}

		p, err := s.repo.GetProduct(ctx, l.ProductID)
		if err != nil {
			return nil, nil, err
		}

		orderLines = append(orderLines, model.OrderLine{
			ProductID:   p.ID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
			Quantity:    l.Quantity,
		})
		total += p.Price * int64(l.Quantity)
	}

	if pointsToUse > total {
		return nil, nil, fmt.Errorf("%w: points %d exceed order total %d", model.ErrInvalidAmount, pointsToUse, total)
	}

	if pointsToUse > 0 {
		balance, err := s.repo.GetPointBalance(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		if pointsToUse > balance {
			return nil, nil, fmt.Errorf("%w: want %d, have %d", model.ErrInsufficientPoints, pointsToUse, balance)
		}
	}

	grade, err := s.repo.GetUserGrade(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	final := total - pointsToUse
	order := &model.Order{
		UserID:       userID,
		TotalAmount:  total,
		UsedPoints:   pointsToUse,
		FinalAmount:  final,
		EarnedPoints: model.EarnedPoints(final, model.AccrualRate(s.policies, grade)),
		Currency:     "KRW",
		Status:       model.OrderStatusPendingPayment,
	}

	if err := s.repo.CreateOrder(ctx, order, orderLines); err != nil {
		return nil, nil, err
	}

	return order, orderLines, nil
}

// Get возвращает заказ пользователя. Чужой заказ неотличим от отсутствующего.
func (s *OrderService) Get(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

// List возвращает заказы пользователя от новых к старым.
func (s *OrderService) List(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// Lines возвращает позиции заказа пользователя.
func (s *OrderService) Lines(ctx context.Context, userID, orderID int64) ([]model.OrderLine, error) {
	if _, err := s.Get(ctx, userID, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListOrderLines(ctx, orderID)
}

// Confirm подтверждает заказ: начисляет поинты со сроком годности, учитывает
// оплату и пересчитывает грейд.
func (s *OrderService) Confirm(ctx context.Context, orderID int64) (model.GradeChange, error) {
	expiry := time.Now().Add(s.pointValidity)
	change, err := s.repo.ConfirmOrder(ctx, orderID, expiry, s.decide)
	if err != nil {
		return change, err
	}

	if change.Changed {
		s.logger.Info("grade changed on order confirm",
			zap.Int64("orderID", orderID),
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.Int64("totalPaid", change.TotalPaid))
	}

	return change, nil
}

// Cancel отменяет неоплаченный заказ. Оплаченный заказ этим путём не
// отменяется: платёж остался бы PAID, а деньги в шлюзе без пути возврата,
// поэтому такие заказы отменяются только через возврат платежа.
func (s *OrderService) Cancel(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	current, err := s.Get(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status != model.OrderStatusPendingPayment {
		return nil, fmt.Errorf("%w: order %s is %s, paid orders are cancelled through payment refund",
			model.ErrInvalidOrderState, current.OrderNumber, current.Status)
	}

	o, restored, err := s.repo.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if restored > 0 {
		s.logger.Info("points restored on order cancel",
			zap.Int64("orderID", orderID), zap.Int64("restored", restored))
	}

	return o, nil
}

// AutoConfirmSweep подтверждает заказы, ожидающие подтверждение дольше
// грейс-окна. Каждый заказ обрабатывается независимо, ошибка по одному
// заказу логируется и не прерывает проход.
func (s *OrderService) AutoConfirmSweep(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOrdersForAutoConfirm(ctx, time.Now().Add(-s.grace))
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, id := range ids {
		if _, err := s.Confirm(ctx, id); err != nil {
			s.logger.Warn("auto-confirm failed", zap.Int64("orderID", id), zap.Error(err))
			continue
		}
		confirmed++
	}

	return confirmed, nil
}

// StartAutoConfirm запускает фоновый цикл автоподтверждения заказов.
func (s *OrderService) StartAutoConfirm(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				confirmed, err := s.AutoConfirmSweep(ctx)
				if err != nil {
					s.logger.Warn("auto-confirm sweep error", zap.Error(err))
					continue
				}
				if confirmed > 0 {
					s.logger.Info("auto-confirm sweep done", zap.Int("confirmed", confirmed))
				}
			}
		}
	}()
}
