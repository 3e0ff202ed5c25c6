package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
	"github.com/mmeshcher/commerce-system/internal/validation"
)

// ErrInvalidOrderNumber возвращается для номера заказа в неверном формате.
var ErrInvalidOrderNumber = errors.New("invalid order number format")

// PaymentService реализует сверку платежей: создание, подтверждение по прямому
// вызову и по вебхуку шлюза.
type PaymentService struct {
	repo    Repository
	gateway Gateway
	logger  *zap.Logger
}

// NewPaymentService создаёт сервис платежей. gateway может быть nil, тогда
// компенсирующая отмена при неудачном подтверждении пропускается.
func NewPaymentService(repo Repository, gw Gateway, logger *zap.Logger) *PaymentService {
	return &PaymentService{repo: repo, gateway: gw, logger: logger}
}

// Create создаёт платёж PENDING для заказа по его публичному номеру.
// Сумма и поинты должны совпадать с заказом. Возвращённый внутренний
// идентификатор служит ключом идемпотентности для шлюза.
func (s *PaymentService) Create(ctx context.Context, orderNumber string, amount, pointsToUse int64) (*model.Payment, error) {
	if !validation.IsValidOrderNumber(orderNumber) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrderNumber, orderNumber)
	}

	order, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}

	if order.Status != model.OrderStatusPendingPayment {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidOrderState, order.OrderNumber, order.Status)
	}
	if amount != order.FinalAmount {
		return nil, fmt.Errorf("%w: payment amount %d, order final amount %d", model.ErrInvalidAmount, amount, order.FinalAmount)
	}
	if pointsToUse != order.UsedPoints {
		return nil, fmt.Errorf("%w: payment points %d, order used points %d", model.ErrInvalidAmount, pointsToUse, order.UsedPoints)
	}

	p := &model.Payment{
		InternalID:  "pay-" + uuid.NewString(),
		OrderID:     order.ID,
		Amount:      amount,
		PointsToUse: pointsToUse,
		Status:      model.PaymentStatusPending,
	}

	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// Get возвращает платёж по внутреннему идентификатору.
func (s *PaymentService) Get(ctx context.Context, internalID string) (*model.Payment, error) {
	return s.repo.GetPaymentByInternalID(ctx, internalID)
}

// Confirm подтверждает оплату: платёж переходит в PAID, заказ в
// PENDING_CONFIRMATION, заявленные поинты списываются FIFO. Если поинтов
// на момент подтверждения не хватает, платёж переводится в FAIL и в шлюз
// уходит компенсирующая отмена.
func (s *PaymentService) Confirm(ctx context.Context, internalID, gatewayRef string) (*model.Payment, *model.Order, error) {
	p, err := s.repo.GetPaymentByInternalID(ctx, internalID)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != model.PaymentStatusPending {
		return nil, nil, fmt.Errorf("%w: payment %s is %s", model.ErrPaymentAlreadyProcessed, p.InternalID, p.Status)
	}

	order, err := s.repo.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, nil, err
	}

	var draw []model.PointDraw
	if order.UsedPoints > 0 {
		available, err := s.repo.AvailableEarnedPoints(ctx, order.UserID, time.Now())
		if err != nil {
			return nil, nil, err
		}
		draw, err = model.PlanPointDraw(available, order.UsedPoints)
		if err != nil {
			if errors.Is(err, model.ErrInsufficientPoints) {
				return nil, nil, s.failPayment(ctx, internalID, gatewayRef, err)
			}
			return nil, nil, err
		}
	}

	payment, confirmed, err := s.repo.ConfirmPayment(ctx, internalID, gatewayRef, draw)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientPoints) {
			return nil, nil, s.failPayment(ctx, internalID, gatewayRef, err)
		}
		return nil, nil, err
	}

	return payment, confirmed, nil
}

// failPayment переводит платёж в FAIL и отправляет в шлюз компенсирующую
// отмену. Ошибка отмены логируется, наружу уходит исходная причина отказа.
func (s *PaymentService) failPayment(ctx context.Context, internalID, gatewayRef string, cause error) error {
	if err := s.repo.MarkPaymentFailed(ctx, internalID); err != nil {
		s.logger.Error("mark payment failed error",
			zap.String("internalID", internalID), zap.Error(err))
	}

	if s.gateway != nil {
		if _, err := s.gateway.Cancel(ctx, gatewayRef, "insufficient point balance"); err != nil {
			s.logger.Error("compensating gateway cancel error",
				zap.String("internalID", internalID),
				zap.String("gatewayRef", gatewayRef),
				zap.Error(err))
		}
	}

	return cause
}

// ProcessWebhook обрабатывает событие шлюза. Повторная доставка того же
// webhookId записывается как дубликат и не производит эффектов. Для нового
// события платёж подтверждается: ссылка платежа в событии совпадает с
// внутренним идентификатором.
func (s *PaymentService) ProcessWebhook(ctx context.Context, ev model.WebhookEvent) (*model.Payment, *model.Order, error) {
	ev.Status = "RECEIVED"
	if err := s.repo.SaveWebhookEvent(ctx, &ev); err != nil {
		if errors.Is(err, repository.ErrDuplicateWebhook) {
			s.logger.Info("duplicate webhook ignored", zap.String("webhookID", ev.WebhookID))
			return nil, nil, repository.ErrDuplicateWebhook
		}
		return nil, nil, err
	}

	return s.Confirm(ctx, ev.PaymentRef, ev.PaymentRef)
}
