// Package model содержит доменные сущности движка заказов, платежей и поинтов.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки доменных инвариантов. Слой хранения и HTTP-обработчики сопоставляют
// их с конкретными исходами через errors.Is.
var (
	// ErrInvalidOrderState возвращается при недопустимом переходе статуса заказа.
	ErrInvalidOrderState = errors.New("invalid order state for requested transition")
	// ErrInvalidPaymentState возвращается при недопустимом переходе статуса платежа.
	ErrInvalidPaymentState = errors.New("invalid payment state for requested transition")
	// ErrPaymentAlreadyProcessed возвращается при повторной попытке подтвердить платёж.
	ErrPaymentAlreadyProcessed = errors.New("payment already processed")
	// ErrAlreadyRefunded возвращается при повторной попытке возврата платежа.
	ErrAlreadyRefunded = errors.New("payment already refunded")
	// ErrInvalidAmount возвращается для нулевых и отрицательных сумм.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientPoints возвращается при списании сверх доступного остатка поинтов.
	ErrInsufficientPoints = errors.New("insufficient point balance")
	// ErrInsufficientStock возвращается при резервировании сверх остатка на складе.
	ErrInsufficientStock = errors.New("insufficient product stock")
)

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPendingPayment      OrderStatus = "PENDING_PAYMENT"
	OrderStatusPendingConfirmation OrderStatus = "PENDING_CONFIRMATION"
	OrderStatusConfirmed           OrderStatus = "CONFIRMED"
	OrderStatusCancelled           OrderStatus = "CANCELLED"
)

// PaymentStatus описывает статус платежа относительно внешнего шлюза.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFail    PaymentStatus = "FAIL"
	PaymentStatusRefund  PaymentStatus = "REFUND"
)

// PointKind описывает вид события в журнале поинтов.
type PointKind string

const (
	PointKindEarned   PointKind = "EARNED"
	PointKindSpent    PointKind = "SPENT"
	PointKindRefunded PointKind = "REFUNDED"
	PointKindExpired  PointKind = "EXPIRED"
)

// RefundStatus описывает статус записи о возврате.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// Order описывает заказ пользователя. Все суммы — в минимальных единицах валюты.
type Order struct {
	ID           int64
	UserID       int64
	OrderNumber  string
	TotalAmount  int64
	UsedPoints   int64
	FinalAmount  int64
	EarnedPoints int64
	Currency     string
	Status       OrderStatus
	CreatedAt    time.Time
}

// CompletePayment переводит заказ из ожидания оплаты в ожидание подтверждения.
func (o *Order) CompletePayment() error {
	if o.Status != OrderStatusPendingPayment {
		return fmt.Errorf("%w: order %s is %s, want %s",
			ErrInvalidOrderState, o.OrderNumber, o.Status, OrderStatusPendingPayment)
	}
	o.Status = OrderStatusPendingConfirmation
	return nil
}

// Confirm переводит заказ в терминальный статус CONFIRMED.
func (o *Order) Confirm() error {
	if o.Status != OrderStatusPendingConfirmation {
		return fmt.Errorf("%w: order %s is %s, want %s",
			ErrInvalidOrderState, o.OrderNumber, o.Status, OrderStatusPendingConfirmation)
	}
	o.Status = OrderStatusConfirmed
	return nil
}

// Cancel переводит заказ в терминальный статус CANCELLED.
// Допустим из любого нетерминального статуса.
func (o *Order) Cancel() error {
	switch o.Status {
	case OrderStatusConfirmed:
		return fmt.Errorf("%w: order %s is already confirmed", ErrInvalidOrderState, o.OrderNumber)
	case OrderStatusCancelled:
		return fmt.Errorf("%w: order %s is already cancelled", ErrInvalidOrderState, o.OrderNumber)
	}
	o.Status = OrderStatusCancelled
	return nil
}

// IsAwaitingConfirmation сообщает, ждёт ли заказ подтверждения (окно возврата).
func (o *Order) IsAwaitingConfirmation() bool {
	return o.Status == OrderStatusPendingConfirmation
}

// OrderLine описывает позицию заказа со снимком цены и названия на момент заказа.
type OrderLine struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	ProductName string
	UnitPrice   int64
	Quantity    int32
}

// Payment описывает платёж. InternalID генерируется сервером и служит ключом
// идемпотентности для шлюза; GatewayRef заполняется после подтверждения.
type Payment struct {
	ID          int64
	InternalID  string
	GatewayRef  *string
	OrderID     int64
	Amount      int64
	PointsToUse int64
	Status      PaymentStatus
	CreatedAt   time.Time
}

// MarkPaid переводит платёж в PAID и фиксирует ссылку шлюза.
// PAID достижим ровно один раз.
func (p *Payment) MarkPaid(gatewayRef string) error {
	if p.Status != PaymentStatusPending {
		return fmt.Errorf("%w: payment %s is %s", ErrPaymentAlreadyProcessed, p.InternalID, p.Status)
	}
	p.GatewayRef = &gatewayRef
	p.Status = PaymentStatusPaid
	return nil
}

// MarkRefunded переводит платёж из PAID в REFUND.
func (p *Payment) MarkRefunded() error {
	switch p.Status {
	case PaymentStatusRefund:
		return fmt.Errorf("%w: payment %s", ErrAlreadyRefunded, p.InternalID)
	case PaymentStatusPaid:
		p.Status = PaymentStatusRefund
		return nil
	default:
		return fmt.Errorf("%w: payment %s is %s, want %s",
			ErrInvalidPaymentState, p.InternalID, p.Status, PaymentStatusPaid)
	}
}

// PointTransaction описывает событие журнала поинтов. Знак Amount соответствует
// направлению: EARNED и REFUNDED положительные, SPENT и EXPIRED отрицательные.
// RemainingAmount поддерживается только для EARNED.
type PointTransaction struct {
	ID              int64
	UserID          int64
	OrderID         *int64
	Amount          int64
	Kind            PointKind
	RemainingAmount int64
	CreatedAt       time.Time
	ExpiresAt       *time.Time
}

// PointUsage связывает транзакцию начисления с заказом, который её потратил.
type PointUsage struct {
	ID                 int64
	PointTransactionID int64
	OrderID            int64
	Amount             int64
	UsedAt             time.Time
}

// PointBalance — кешированный снимок остатка поинтов. Источник истины — журнал.
type PointBalance struct {
	UserID        int64
	CurrentPoints int64
	UpdatedAt     time.Time
}

// RefundRecord описывает попытку возврата. RefundGroupID связывает запись
// PENDING с терминальной COMPLETED или FAILED.
type RefundRecord struct {
	ID               int64
	PaymentID        int64
	Amount           int64
	Reason           string
	Status           RefundStatus
	GatewayRefundRef *string
	RefundGroupID    string
	RefundedAt       time.Time
}

// WebhookEvent — запись о принятом событии шлюза, ключ дедупликации — WebhookID.
type WebhookEvent struct {
	ID          int64
	WebhookID   string
	PaymentRef  string
	EventStatus string
	Status      string
	ReceivedAt  time.Time
}

// GradeHistory — append-only история смен грейда. FromGrade == nil только для
// первой записи пользователя.
type GradeHistory struct {
	ID             int64
	UserID         int64
	FromGrade      *GradeName
	ToGrade        GradeName
	TriggerOrderID *int64
	Reason         string
	UpdatedAt      time.Time
}

// Product описывает товар каталога с текущей ценой и остатком.
type Product struct {
	ID        int64
	Name      string
	Price     int64
	Stock     int32
	Status    string
	CreatedAt time.Time
}
