package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/gateway"
	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
)

// fakeRepo — репозиторий в памяти для тестов сервисов.
type fakeRepo struct {
	orders      map[int64]*model.Order
	orderLines  map[int64][]model.OrderLine
	products    map[int64]*model.Product
	payments    map[string]*model.Payment
	webhooks    map[string]bool
	balances    map[int64]int64
	grades      map[int64]model.GradeName
	paid        map[int64]int64
	available   []model.EarnedPoint
	refunds     []model.RefundRecord
	nextOrderID int64

	confirmPaymentCalls int
	markFailedCalls     []string
	autoConfirmIDs      []int64
	confirmOrderErrs    map[int64]error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:           make(map[int64]*model.Order),
		orderLines:       make(map[int64][]model.OrderLine),
		products:         make(map[int64]*model.Product),
		payments:         make(map[string]*model.Payment),
		webhooks:         make(map[string]bool),
		balances:         make(map[int64]int64),
		grades:           make(map[int64]model.GradeName),
		paid:             make(map[int64]int64),
		confirmOrderErrs: make(map[int64]error),
	}
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) EnsureUser(ctx context.Context, userID int64) error {
	if _, ok := f.grades[userID]; !ok {
		f.grades[userID] = model.GradeNormal
	}
	return nil
}

func (f *fakeRepo) CreateOrder(ctx context.Context, order *model.Order, lines []model.OrderLine) error {
	for _, l := range lines {
		p, ok := f.products[l.ProductID]
		if !ok {
			return repository.ErrProductNotFound
		}
		if p.Stock < l.Quantity {
			return model.ErrInsufficientStock
		}
		p.Stock -= l.Quantity
	}
	f.nextOrderID++
	order.ID = f.nextOrderID
	order.OrderNumber = fmt.Sprintf("ORD-20260831-%04d", order.ID)
	order.CreatedAt = time.Now()
	f.orders[order.ID] = order
	f.orderLines[order.ID] = lines
	return nil
}

func (f *fakeRepo) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeRepo) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	for _, o := range f.orders {
		if o.OrderNumber == number {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (f *fakeRepo) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	var res []model.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (f *fakeRepo) ListOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error) {
	return f.orderLines[orderID], nil
}

func (f *fakeRepo) ListOrdersForAutoConfirm(ctx context.Context, olderThan time.Time) ([]int64, error) {
	return f.autoConfirmIDs, nil
}

func (f *fakeRepo) ConfirmOrder(ctx context.Context, orderID int64, earnExpiry time.Time, decide model.GradeDecider) (model.GradeChange, error) {
	var change model.GradeChange
	if err := f.confirmOrderErrs[orderID]; err != nil {
		return change, err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return change, repository.ErrOrderNotFound
	}
	if err := o.Confirm(); err != nil {
		return change, err
	}
	f.paid[o.UserID] += o.FinalAmount
	change.From = f.grades[o.UserID]
	change.To = decide(f.paid[o.UserID])
	change.TotalPaid = f.paid[o.UserID]
	if change.To != change.From {
		change.Changed = true
		f.grades[o.UserID] = change.To
	}
	return change, nil
}

func (f *fakeRepo) CancelOrder(ctx context.Context, orderID int64) (*model.Order, int64, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, 0, repository.ErrOrderNotFound
	}
	if err := o.Cancel(); err != nil {
		return nil, 0, err
	}
	return o, 0, nil
}

func (f *fakeRepo) GetPointBalance(ctx context.Context, userID int64) (int64, error) {
	return f.balances[userID], nil
}

func (f *fakeRepo) AvailableEarnedPoints(ctx context.Context, userID int64, now time.Time) ([]model.EarnedPoint, error) {
	return f.available, nil
}

func (f *fakeRepo) PointHistory(ctx context.Context, userID int64, limit int) ([]model.PointTransaction, error) {
	return nil, nil
}

func (f *fakeRepo) ListExpiredEarned(ctx context.Context, now time.Time) ([]model.PointTransaction, error) {
	return nil, nil
}

func (f *fakeRepo) ExpireEarned(ctx context.Context, pointID int64) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) ListPointBalances(ctx context.Context) ([]model.PointBalance, error) {
	return nil, nil
}

func (f *fakeRepo) SyncPointBalance(ctx context.Context, userID int64) (bool, int64, error) {
	return false, f.balances[userID], nil
}

func (f *fakeRepo) CreatePayment(ctx context.Context, p *model.Payment) error {
	p.ID = int64(len(f.payments) + 1)
	p.CreatedAt = time.Now()
	f.payments[p.InternalID] = p
	return nil
}

func (f *fakeRepo) GetPaymentByInternalID(ctx context.Context, internalID string) (*model.Payment, error) {
	p, ok := f.payments[internalID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) GetPaymentByOrderID(ctx context.Context, orderID int64) (*model.Payment, error) {
	for _, p := range f.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (f *fakeRepo) MarkPaymentFailed(ctx context.Context, internalID string) error {
	f.markFailedCalls = append(f.markFailedCalls, internalID)
	if p, ok := f.payments[internalID]; ok && p.Status == model.PaymentStatusPending {
		p.Status = model.PaymentStatusFail
	}
	return nil
}

func (f *fakeRepo) ConfirmPayment(ctx context.Context, internalID, gatewayRef string, draw []model.PointDraw) (*model.Payment, *model.Order, error) {
	f.confirmPaymentCalls++
	p, ok := f.payments[internalID]
	if !ok {
		return nil, nil, repository.ErrPaymentNotFound
	}
	if err := p.MarkPaid(gatewayRef); err != nil {
		return nil, nil, err
	}
	o := f.orders[p.OrderID]
	if err := o.CompletePayment(); err != nil {
		return nil, nil, err
	}
	for _, d := range draw {
		f.balances[o.UserID] -= d.Amount
	}
	cp, co := *p, *o
	return &cp, &co, nil
}

func (f *fakeRepo) SaveWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	if f.webhooks[ev.WebhookID] {
		return repository.ErrDuplicateWebhook
	}
	f.webhooks[ev.WebhookID] = true
	return nil
}

func (f *fakeRepo) SaveRefundRecord(ctx context.Context, rec *model.RefundRecord) error {
	rec.ID = int64(len(f.refunds) + 1)
	f.refunds = append(f.refunds, *rec)
	return nil
}

func (f *fakeRepo) ListRefundsByPayment(ctx context.Context, paymentID int64) ([]model.RefundRecord, error) {
	var res []model.RefundRecord
	for _, rec := range f.refunds {
		if rec.PaymentID == paymentID {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (f *fakeRepo) RecomputeGrade(ctx context.Context, userID int64, reason string, decide model.GradeDecider) (model.GradeChange, error) {
	change := model.GradeChange{From: f.grades[userID], To: decide(f.paid[userID]), TotalPaid: f.paid[userID]}
	if change.To != change.From {
		change.Changed = true
		f.grades[userID] = change.To
	}
	return change, nil
}

func (f *fakeRepo) GetUserGrade(ctx context.Context, userID int64) (model.GradeName, error) {
	g, ok := f.grades[userID]
	if !ok {
		return "", repository.ErrUserNotFound
	}
	return g, nil
}

func (f *fakeRepo) GetPaidAmount(ctx context.Context, userID int64) (int64, error) {
	return f.paid[userID], nil
}

func (f *fakeRepo) GradeHistoryByUser(ctx context.Context, userID int64) ([]model.GradeHistory, error) {
	return nil, nil
}

func (f *fakeRepo) ListProducts(ctx context.Context) ([]model.Product, error) {
	var res []model.Product
	for _, p := range f.products {
		res = append(res, *p)
	}
	return res, nil
}

func (f *fakeRepo) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	p, ok := f.products[productID]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

// fakeGateway записывает вызовы отмены.
type fakeGateway struct {
	calls  []string
	result *gateway.CancelResult
	err    error
}

func (g *fakeGateway) Cancel(ctx context.Context, gatewayRef, reason string) (*gateway.CancelResult, error) {
	g.calls = append(g.calls, gatewayRef)
	if g.err != nil {
		return nil, g.err
	}
	if g.result != nil {
		return g.result, nil
	}
	return &gateway.CancelResult{CancellationRef: "cancel-" + gatewayRef}, nil
}

func newOrderService(repo Repository) *OrderService {
	return NewOrderService(repo, model.DefaultGradePolicies(), 365*24*time.Hour, time.Minute, time.Minute, zap.NewNop())
}

func TestOrderCreate_ComputesEarnedByGrade(t *testing.T) {
	repo := newFakeRepo()
	repo.products[1] = &model.Product{ID: 1, Name: "Keyboard", Price: 5000, Stock: 10, Status: "ACTIVE"}
	repo.grades[42] = model.GradeVIP

	svc := newOrderService(repo)

	order, lines, err := svc.Create(context.Background(), 42, []LineRequest{{ProductID: 1, Quantity: 2}}, 0)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if order.TotalAmount != 10000 || order.FinalAmount != 10000 {
		t.Fatalf("amounts: total %d final %d", order.TotalAmount, order.FinalAmount)
	}
	if order.EarnedPoints != 500 {
		t.Fatalf("earned = %d, want 500 (VIP 5%%)", order.EarnedPoints)
	}
	if order.Status != model.OrderStatusPendingPayment {
		t.Fatalf("status = %s", order.Status)
	}
	if len(lines) != 1 || lines[0].ProductName != "Keyboard" || lines[0].UnitPrice != 5000 {
		t.Fatalf("line snapshot: %+v", lines)
	}
	if repo.products[1].Stock != 8 {
		t.Fatalf("stock = %d, want 8", repo.products[1].Stock)
	}
}

func TestOrderCreate_InsufficientPointBalance(t *testing.T) {
	repo := newFakeRepo()
	repo.products[1] = &model.Product{ID: 1, Name: "Hub", Price: 32000, Stock: 5, Status: "ACTIVE"}
	repo.balances[7] = 100

	svc := newOrderService(repo)

	_, _, err := svc.Create(context.Background(), 7, []LineRequest{{ProductID: 1, Quantity: 1}}, 200)
	if !errors.Is(err, model.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
}

func TestOrderCreate_PointsExceedTotal(t *testing.T) {
	repo := newFakeRepo()
	repo.products[1] = &model.Product{ID: 1, Name: "Hub", Price: 100, Stock: 5, Status: "ACTIVE"}
	repo.balances[7] = 10000

	svc := newOrderService(repo)

	_, _, err := svc.Create(context.Background(), 7, []LineRequest{{ProductID: 1, Quantity: 1}}, 500)
	if !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestOrderCreate_InsufficientStock(t *testing.T) {
	repo := newFakeRepo()
	repo.products[1] = &model.Product{ID: 1, Name: "Hub", Price: 100, Stock: 1, Status: "ACTIVE"}

	svc := newOrderService(repo)

	_, _, err := svc.Create(context.Background(), 7, []LineRequest{{ProductID: 1, Quantity: 2}}, 0)
	if !errors.Is(err, model.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestOrderCancel_BeforePayment(t *testing.T) {
	repo := newFakeRepo()
	repo.orders[1] = &model.Order{ID: 1, UserID: 7, OrderNumber: "ORD-20260831-0001", Status: model.OrderStatusPendingPayment}

	svc := newOrderService(repo)

	o, err := svc.Cancel(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("cancel unpaid order: %v", err)
	}
	if o.Status != model.OrderStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", o.Status)
	}
}

func TestOrderCancel_PaidOrderGoesThroughRefund(t *testing.T) {
	repo := newFakeRepo()
	repo.orders[1] = &model.Order{ID: 1, UserID: 7, OrderNumber: "ORD-20260831-0001", Status: model.OrderStatusPendingConfirmation}

	svc := newOrderService(repo)

	_, err := svc.Cancel(context.Background(), 7, 1)
	if !errors.Is(err, model.ErrInvalidOrderState) {
		t.Fatalf("expected ErrInvalidOrderState, got %v", err)
	}
	if repo.orders[1].Status != model.OrderStatusPendingConfirmation {
		t.Fatalf("order must stay in the refund window, status = %s", repo.orders[1].Status)
	}

	_, err = svc.Cancel(context.Background(), 7, 1)
	if !errors.Is(err, model.ErrInvalidOrderState) {
		t.Fatalf("repeat cancel: expected ErrInvalidOrderState, got %v", err)
	}
}

func TestAutoConfirmSweep_ContinuesOnFailure(t *testing.T) {
	repo := newFakeRepo()
	for i := int64(1); i <= 3; i++ {
		repo.orders[i] = &model.Order{ID: i, UserID: 1, Status: model.OrderStatusPendingConfirmation}
	}
	repo.grades[1] = model.GradeNormal
	repo.autoConfirmIDs = []int64{1, 2, 3}
	repo.confirmOrderErrs[2] = errors.New("boom")

	svc := newOrderService(repo)

	confirmed, err := svc.AutoConfirmSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if confirmed != 2 {
		t.Fatalf("confirmed = %d, want 2", confirmed)
	}
	if repo.orders[1].Status != model.OrderStatusConfirmed || repo.orders[3].Status != model.OrderStatusConfirmed {
		t.Fatal("orders 1 and 3 must be confirmed")
	}
	if repo.orders[2].Status != model.OrderStatusPendingConfirmation {
		t.Fatal("order 2 must stay pending after failure")
	}
}

func seedPaidOrder(repo *fakeRepo, userID int64, usedPoints int64) (*model.Order, *model.Payment) {
	repo.nextOrderID++
	o := &model.Order{
		ID:          repo.nextOrderID,
		UserID:      userID,
		OrderNumber: fmt.Sprintf("ORD-20260831-%04d", repo.nextOrderID),
		TotalAmount: 10000,
		UsedPoints:  usedPoints,
		FinalAmount: 10000 - usedPoints,
		Currency:    "KRW",
		Status:      model.OrderStatusPendingPayment,
	}
	repo.orders[o.ID] = o
	repo.grades[userID] = model.GradeNormal

	p := &model.Payment{
		ID:          int64(len(repo.payments) + 1),
		InternalID:  fmt.Sprintf("pay-test-%d", o.ID),
		OrderID:     o.ID,
		Amount:      o.FinalAmount,
		PointsToUse: usedPoints,
		Status:      model.PaymentStatusPending,
	}
	repo.payments[p.InternalID] = p
	return o, p
}

func TestPaymentCreate_ValidatesAgainstOrder(t *testing.T) {
	repo := newFakeRepo()
	o, _ := seedPaidOrder(repo, 1, 0)

	svc := NewPaymentService(repo, nil, zap.NewNop())

	if _, err := svc.Create(context.Background(), "bad-number", o.FinalAmount, 0); !errors.Is(err, ErrInvalidOrderNumber) {
		t.Fatalf("expected ErrInvalidOrderNumber, got %v", err)
	}

	if _, err := svc.Create(context.Background(), o.OrderNumber, o.FinalAmount+1, 0); !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for wrong amount, got %v", err)
	}

	p, err := svc.Create(context.Background(), o.OrderNumber, o.FinalAmount, 0)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if !strings.HasPrefix(p.InternalID, "pay-") {
		t.Fatalf("internal id %q must carry pay- prefix", p.InternalID)
	}
	if p.Status != model.PaymentStatusPending {
		t.Fatalf("status = %s", p.Status)
	}
}

func TestPaymentConfirm_AlreadyProcessed(t *testing.T) {
	repo := newFakeRepo()
	_, p := seedPaidOrder(repo, 1, 0)
	ref := "gw-1"
	p.Status = model.PaymentStatusPaid
	p.GatewayRef = &ref

	svc := NewPaymentService(repo, nil, zap.NewNop())

	_, _, err := svc.Confirm(context.Background(), p.InternalID, "gw-2")
	if !errors.Is(err, model.ErrPaymentAlreadyProcessed) {
		t.Fatalf("expected ErrPaymentAlreadyProcessed, got %v", err)
	}
	if repo.confirmPaymentCalls != 0 {
		t.Fatalf("confirm bundle must not run, calls = %d", repo.confirmPaymentCalls)
	}
}

func TestPaymentConfirm_InsufficientPointsCompensates(t *testing.T) {
	repo := newFakeRepo()
	_, p := seedPaidOrder(repo, 1, 400)
	repo.available = []model.EarnedPoint{{TransactionID: 1, Remaining: 300}}

	gw := &fakeGateway{}
	svc := NewPaymentService(repo, gw, zap.NewNop())

	_, _, err := svc.Confirm(context.Background(), p.InternalID, "gw-1")
	if !errors.Is(err, model.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}

	if len(repo.markFailedCalls) != 1 || repo.markFailedCalls[0] != p.InternalID {
		t.Fatalf("payment must be marked FAIL, calls: %v", repo.markFailedCalls)
	}
	if len(gw.calls) != 1 || gw.calls[0] != "gw-1" {
		t.Fatalf("compensating gateway cancel expected, calls: %v", gw.calls)
	}
	if repo.confirmPaymentCalls != 0 {
		t.Fatal("confirm bundle must not run on planning failure")
	}
}

func TestPaymentConfirm_DrawsPointsFIFO(t *testing.T) {
	repo := newFakeRepo()
	o, p := seedPaidOrder(repo, 1, 400)
	repo.balances[1] = 500
	repo.available = []model.EarnedPoint{
		{TransactionID: 1, Remaining: 200},
		{TransactionID: 2, Remaining: 300},
	}

	svc := NewPaymentService(repo, nil, zap.NewNop())

	payment, order, err := svc.Confirm(context.Background(), p.InternalID, "gw-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if payment.Status != model.PaymentStatusPaid {
		t.Fatalf("payment status = %s", payment.Status)
	}
	if order.Status != model.OrderStatusPendingConfirmation {
		t.Fatalf("order status = %s", order.Status)
	}
	if repo.balances[1] != 100 {
		t.Fatalf("balance = %d, want 100 after drawing 400", repo.balances[1])
	}
	if repo.orders[o.ID].Status != model.OrderStatusPendingConfirmation {
		t.Fatal("stored order must transition")
	}
}

func TestProcessWebhook_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	_, p := seedPaidOrder(repo, 1, 0)

	svc := NewPaymentService(repo, nil, zap.NewNop())

	ev := model.WebhookEvent{WebhookID: "wh-1", PaymentRef: p.InternalID, EventStatus: "Transaction.Paid"}

	if _, _, err := svc.ProcessWebhook(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if repo.confirmPaymentCalls != 1 {
		t.Fatalf("confirm calls = %d, want 1", repo.confirmPaymentCalls)
	}

	_, _, err := svc.ProcessWebhook(context.Background(), ev)
	if !errors.Is(err, repository.ErrDuplicateWebhook) {
		t.Fatalf("replay: expected ErrDuplicateWebhook, got %v", err)
	}
	if repo.confirmPaymentCalls != 1 {
		t.Fatalf("replay must not re-confirm, calls = %d", repo.confirmPaymentCalls)
	}
}

// fakeRefundScope — сценарий возврата для тестов оркестратора.
type fakeRefundScope struct {
	payment      model.Payment
	order        model.Order
	completed    *model.RefundRecord
	completeErr  error
	rolledBack   bool
	gradeChange  model.GradeChange
	completeRuns int
}

func (s *fakeRefundScope) Payment() model.Payment { return s.payment }
func (s *fakeRefundScope) Order() model.Order     { return s.order }

func (s *fakeRefundScope) Complete(ctx context.Context, rec *model.RefundRecord, decide model.GradeDecider) (model.GradeChange, error) {
	s.completeRuns++
	if s.completeErr != nil {
		return model.GradeChange{}, s.completeErr
	}
	s.completed = rec
	return s.gradeChange, nil
}

func (s *fakeRefundScope) Rollback(ctx context.Context) { s.rolledBack = true }

type fakeRefundStore struct {
	scope *fakeRefundScope
	err   error
}

func (f *fakeRefundStore) BeginRefund(ctx context.Context, internalID string) (RefundScope, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scope, nil
}

func refundScope(paymentID int64, gatewayRef string) *fakeRefundScope {
	return &fakeRefundScope{
		payment: model.Payment{
			ID:         paymentID,
			InternalID: "pay-r",
			GatewayRef: &gatewayRef,
			OrderID:    1,
			Amount:     9000,
			Status:     model.PaymentStatusPaid,
		},
		order: model.Order{ID: 1, UserID: 1, FinalAmount: 9000, Status: model.OrderStatusPendingConfirmation},
	}
}

func TestRefund_Success(t *testing.T) {
	repo := newFakeRepo()
	scope := refundScope(5, "gw-5")
	gw := &fakeGateway{result: &gateway.CancelResult{CancellationRef: "cancel-5"}}

	svc := NewRefundService(&fakeRefundStore{scope: scope}, repo, gw, model.DefaultGradePolicies(), zap.NewNop())

	rec, _, err := svc.Refund(context.Background(), "pay-r", "customer request")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	if rec.Status != model.RefundStatusCompleted {
		t.Fatalf("record status = %s", rec.Status)
	}
	if rec.GatewayRefundRef == nil || *rec.GatewayRefundRef != "cancel-5" {
		t.Fatalf("cancellation ref not stored: %v", rec.GatewayRefundRef)
	}
	if scope.completeRuns != 1 {
		t.Fatalf("complete runs = %d, want 1", scope.completeRuns)
	}
	if len(gw.calls) != 1 || gw.calls[0] != "gw-5" {
		t.Fatalf("gateway calls: %v", gw.calls)
	}

	// PENDING-аудит пишется до вызова шлюза и переживает исход
	if len(repo.refunds) != 1 || repo.refunds[0].Status != model.RefundStatusPending {
		t.Fatalf("pending audit record expected, got %+v", repo.refunds)
	}
	if repo.refunds[0].RefundGroupID != rec.RefundGroupID {
		t.Fatal("pending and completed records must share the refund group")
	}
}

func TestRefund_GatewayFailureLeavesStateUntouched(t *testing.T) {
	repo := newFakeRepo()
	scope := refundScope(5, "gw-5")
	gwErr := &gateway.Error{StatusCode: 502, Type: "PG_PROVIDER", Message: "provider down"}
	gw := &fakeGateway{err: gwErr}

	svc := NewRefundService(&fakeRefundStore{scope: scope}, repo, gw, model.DefaultGradePolicies(), zap.NewNop())

	_, _, err := svc.Refund(context.Background(), "pay-r", "customer request")
	if !errors.Is(err, gwErr) {
		t.Fatalf("original gateway error must surface, got %v", err)
	}

	if scope.completeRuns != 0 {
		t.Fatal("compensations must not run on gateway failure")
	}
	if !scope.rolledBack {
		t.Fatal("refund transaction must roll back")
	}

	// PENDING и FAILED в аудите, COMPLETED нет
	if len(repo.refunds) != 2 {
		t.Fatalf("audit records = %d, want 2", len(repo.refunds))
	}
	if repo.refunds[0].Status != model.RefundStatusPending || repo.refunds[1].Status != model.RefundStatusFailed {
		t.Fatalf("audit statuses: %s, %s", repo.refunds[0].Status, repo.refunds[1].Status)
	}
	if repo.refunds[0].RefundGroupID != repo.refunds[1].RefundGroupID {
		t.Fatal("audit records of one attempt must share the refund group")
	}
}

func TestRefund_CommitFailureKeepsCancellationRef(t *testing.T) {
	repo := newFakeRepo()
	scope := refundScope(5, "gw-5")
	scope.completeErr = errors.New("serialization failure")
	gw := &fakeGateway{result: &gateway.CancelResult{CancellationRef: "cancel-5"}}

	svc := NewRefundService(&fakeRefundStore{scope: scope}, repo, gw, model.DefaultGradePolicies(), zap.NewNop())

	_, _, err := svc.Refund(context.Background(), "pay-r", "customer request")
	if err == nil {
		t.Fatal("commit failure must surface")
	}

	if len(repo.refunds) != 2 {
		t.Fatalf("audit records = %d, want 2", len(repo.refunds))
	}
	failed := repo.refunds[1]
	if failed.Status != model.RefundStatusFailed {
		t.Fatalf("terminal record status = %s, want FAILED", failed.Status)
	}
	if failed.GatewayRefundRef == nil || *failed.GatewayRefundRef != "cancel-5" {
		t.Fatalf("failed record must keep the gateway cancellation ref, got %v", failed.GatewayRefundRef)
	}
}

func TestRefund_ConcurrentAttemptRejected(t *testing.T) {
	repo := newFakeRepo()
	store := &fakeRefundStore{err: fmt.Errorf("%w: payment pay-r", model.ErrAlreadyRefunded)}

	svc := NewRefundService(store, repo, &fakeGateway{}, model.DefaultGradePolicies(), zap.NewNop())

	_, _, err := svc.Refund(context.Background(), "pay-r", "retry")
	if !errors.Is(err, model.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	if len(repo.refunds) != 0 {
		t.Fatalf("no audit records expected before the lock is taken, got %d", len(repo.refunds))
	}
}

func TestRefund_WithoutGateway(t *testing.T) {
	repo := newFakeRepo()
	scope := refundScope(5, "gw-5")

	svc := NewRefundService(&fakeRefundStore{scope: scope}, repo, nil, model.DefaultGradePolicies(), zap.NewNop())

	_, _, err := svc.Refund(context.Background(), "pay-r", "r")
	if !errors.Is(err, ErrGatewayNotConfigured) {
		t.Fatalf("expected ErrGatewayNotConfigured, got %v", err)
	}
	if len(repo.refunds) != 2 || repo.refunds[1].Status != model.RefundStatusFailed {
		t.Fatalf("failed audit record expected, got %+v", repo.refunds)
	}
}

func TestMembershipRecompute_NoChangeIsNotAnError(t *testing.T) {
	repo := newFakeRepo()
	repo.grades[1] = model.GradeNormal
	repo.paid[1] = 10000

	svc := NewMembershipService(repo, model.DefaultGradePolicies())

	change, err := svc.Recompute(context.Background(), 1)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if change.Changed {
		t.Fatalf("no-op recompute must report Changed=false, got %+v", change)
	}
}

func TestMembershipRecompute_Downgrade(t *testing.T) {
	repo := newFakeRepo()
	repo.grades[1] = model.GradeVVIP
	repo.paid[1] = 60000

	svc := NewMembershipService(repo, model.DefaultGradePolicies())

	change, err := svc.Recompute(context.Background(), 1)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !change.Changed || change.To != model.GradeVIP {
		t.Fatalf("expected downgrade to VIP, got %+v", change)
	}
}
