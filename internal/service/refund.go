package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// ErrGatewayNotConfigured возвращается при попытке возврата без настроенного
// адреса платёжного шлюза.
var ErrGatewayNotConfigured = errors.New("payment gateway is not configured")

// RefundService оркестрирует возврат платежа: блокировка платежа и заказа,
// запись аудита, отмена в шлюзе и атомарные компенсации.
type RefundService struct {
	refunds RefundStore
	repo    Repository
	gateway Gateway
	decide  model.GradeDecider
	logger  *zap.Logger
}

// NewRefundService создаёт оркестратор возвратов.
func NewRefundService(refunds RefundStore, repo Repository, gw Gateway, policies []model.GradePolicy, logger *zap.Logger) *RefundService {
	return &RefundService{
		refunds: refunds,
		repo:    repo,
		gateway: gw,
		decide:  func(totalPaid int64) model.GradeName { return model.DetermineGrade(policies, totalPaid).Grade },
		logger:  logger,
	}
}

// Refund выполняет возврат платежа по внутреннему идентификатору.
//
// Блокировка строки платежа берётся первой и держится до конца операции,
// поэтому конкурирующий возврат того же платежа дождётся исхода и упадёт на
// проверке статуса. Перед вызовом шлюза пишется PENDING-запись аудита в
// независимой транзакции: она переживает любой дальнейший откат. Отмена в
// шлюзе идёт с таймаутом клиента; любой её неуспех фиксируется FAILED-записью,
// локальное состояние не меняется и операция безопасно повторяема. Успех
// фиксируется одной транзакцией: платёж REFUND, заказ CANCELLED,
// восстановление остатков и поинтов, уменьшение накопленной оплаты, пересчёт
// грейда и COMPLETED-запись аудита.
func (s *RefundService) Refund(ctx context.Context, internalID, reason string) (*model.RefundRecord, model.GradeChange, error) {
	var change model.GradeChange

	scope, err := s.refunds.BeginRefund(ctx, internalID)
	if err != nil {
		return nil, change, err
	}
	defer scope.Rollback(ctx)

	payment := scope.Payment()
	if payment.GatewayRef == nil {
		return nil, change, fmt.Errorf("%w: payment %s has no gateway reference", model.ErrInvalidPaymentState, internalID)
	}

	groupID := "rfnd-grp-" + uuid.NewString()
	pending := &model.RefundRecord{
		PaymentID:     payment.ID,
		Amount:        payment.Amount,
		Reason:        reason,
		Status:        model.RefundStatusPending,
		RefundGroupID: groupID,
	}
	if err := s.repo.SaveRefundRecord(ctx, pending); err != nil {
		return nil, change, err
	}

	if s.gateway == nil {
		return nil, change, s.fail(ctx, payment.ID, payment.Amount, reason, groupID, nil, ErrGatewayNotConfigured)
	}

	res, err := s.gateway.Cancel(ctx, *payment.GatewayRef, reason)
	if err != nil {
		return nil, change, s.fail(ctx, payment.ID, payment.Amount, reason, groupID, nil, err)
	}

	completed := &model.RefundRecord{
		PaymentID:        payment.ID,
		Amount:           payment.Amount,
		Reason:           reason,
		Status:           model.RefundStatusCompleted,
		GatewayRefundRef: &res.CancellationRef,
		RefundGroupID:    groupID,
	}

	change, err = scope.Complete(ctx, completed, s.decide)
	if err != nil {
		s.logger.Error("refund commit failed after gateway cancel",
			zap.String("internalID", internalID),
			zap.String("refundGroupID", groupID),
			zap.String("cancellationRef", res.CancellationRef),
			zap.Error(err))
		return nil, change, s.fail(ctx, payment.ID, payment.Amount, reason, groupID, &res.CancellationRef, err)
	}

	if change.Changed {
		s.logger.Info("grade changed on refund",
			zap.String("internalID", internalID),
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.Int64("totalPaid", change.TotalPaid))
	}

	return completed, change, nil
}

// fail пишет FAILED-запись аудита в независимой транзакции и возвращает
// исходную ошибку. Ошибка самой записи логируется и не подменяет причину.
// Если отмена в шлюзе уже прошла, её ссылка сохраняется в записи, чтобы
// след шлюзовой операции не терялся вместе с откатом.
func (s *RefundService) fail(ctx context.Context, paymentID, amount int64, reason, groupID string, gatewayRefundRef *string, cause error) error {
	rec := &model.RefundRecord{
		PaymentID:        paymentID,
		Amount:           amount,
		Reason:           reason,
		Status:           model.RefundStatusFailed,
		GatewayRefundRef: gatewayRefundRef,
		RefundGroupID:    groupID,
	}
	if err := s.repo.SaveRefundRecord(ctx, rec); err != nil {
		s.logger.Error("save failed refund record error",
			zap.String("refundGroupID", groupID), zap.Error(err))
	}
	return cause
}

// History возвращает записи аудита возвратов платежа.
func (s *RefundService) History(ctx context.Context, internalID string) ([]model.RefundRecord, error) {
	p, err := s.repo.GetPaymentByInternalID(ctx, internalID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRefundsByPayment(ctx, p.ID)
}
