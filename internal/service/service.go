// Package service реализует бизнес-логику движка заказов, платежей и поинтов.
package service

import (
	"context"
	"time"

	"github.com/mmeshcher/commerce-system/internal/gateway"
	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисами.
type Repository interface {
	Close() error
	EnsureUser(ctx context.Context, userID int64) error

	CreateOrder(ctx context.Context, order *model.Order, lines []model.OrderLine) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	ListOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error)
	ListOrdersForAutoConfirm(ctx context.Context, olderThan time.Time) ([]int64, error)
	ConfirmOrder(ctx context.Context, orderID int64, earnExpiry time.Time, decide model.GradeDecider) (model.GradeChange, error)
	CancelOrder(ctx context.Context, orderID int64) (*model.Order, int64, error)

	GetPointBalance(ctx context.Context, userID int64) (int64, error)
	AvailableEarnedPoints(ctx context.Context, userID int64, now time.Time) ([]model.EarnedPoint, error)
	PointHistory(ctx context.Context, userID int64, limit int) ([]model.PointTransaction, error)
	ListExpiredEarned(ctx context.Context, now time.Time) ([]model.PointTransaction, error)
	ExpireEarned(ctx context.Context, pointID int64) (int64, error)
	ListPointBalances(ctx context.Context) ([]model.PointBalance, error)
	SyncPointBalance(ctx context.Context, userID int64) (bool, int64, error)

	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPaymentByInternalID(ctx context.Context, internalID string) (*model.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*model.Payment, error)
	MarkPaymentFailed(ctx context.Context, internalID string) error
	ConfirmPayment(ctx context.Context, internalID, gatewayRef string, draw []model.PointDraw) (*model.Payment, *model.Order, error)
	SaveWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error

	SaveRefundRecord(ctx context.Context, rec *model.RefundRecord) error
	ListRefundsByPayment(ctx context.Context, paymentID int64) ([]model.RefundRecord, error)

	RecomputeGrade(ctx context.Context, userID int64, reason string, decide model.GradeDecider) (model.GradeChange, error)
	GetUserGrade(ctx context.Context, userID int64) (model.GradeName, error)
	GetPaidAmount(ctx context.Context, userID int64) (int64, error)
	GradeHistoryByUser(ctx context.Context, userID int64) ([]model.GradeHistory, error)

	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
}

// Gateway описывает операцию отмены во внешнем платёжном шлюзе.
type Gateway interface {
	Cancel(ctx context.Context, gatewayRef, reason string) (*gateway.CancelResult, error)
}

// RefundScope — открытая транзакция возврата с заблокированными строками
// платежа и заказа. Вызывающий обязан завершить её через Complete или Rollback.
type RefundScope interface {
	Payment() model.Payment
	Order() model.Order
	Complete(ctx context.Context, rec *model.RefundRecord, decide model.GradeDecider) (model.GradeChange, error)
	Rollback(ctx context.Context)
}

// RefundStore открывает транзакции возврата.
type RefundStore interface {
	BeginRefund(ctx context.Context, internalID string) (RefundScope, error)
}

type postgresRefundStore struct {
	repo *repository.PostgresRepository
}

// NewPostgresRefundStore адаптирует репозиторий к контракту RefundStore.
func NewPostgresRefundStore(repo *repository.PostgresRepository) RefundStore {
	return postgresRefundStore{repo: repo}
}

func (s postgresRefundStore) BeginRefund(ctx context.Context, internalID string) (RefundScope, error) {
	rt, err := s.repo.BeginRefund(ctx, internalID)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
