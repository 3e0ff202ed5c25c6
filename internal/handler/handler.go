// Package handler содержит HTTP-обработчики движка заказов, платежей и поинтов.
// Аутентификация выполняется выше по стеку, идентификатор пользователя
// приходит в заголовке X-User-ID.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/gateway"
	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
	"github.com/mmeshcher/commerce-system/internal/service"
)

// Orders определяет контракт сервиса заказов, используемый обработчиками.
type Orders interface {
	Create(ctx context.Context, userID int64, lines []service.LineRequest, pointsToUse int64) (*model.Order, []model.OrderLine, error)
	Get(ctx context.Context, userID, orderID int64) (*model.Order, error)
	List(ctx context.Context, userID int64) ([]model.Order, error)
	Lines(ctx context.Context, userID, orderID int64) ([]model.OrderLine, error)
	Confirm(ctx context.Context, orderID int64) (model.GradeChange, error)
	Cancel(ctx context.Context, userID, orderID int64) (*model.Order, error)
}

// Points определяет контракт сервиса поинтов.
type Points interface {
	Balance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64) ([]model.PointTransaction, error)
}

// Payments определяет контракт сервиса платежей.
type Payments interface {
	Create(ctx context.Context, orderNumber string, amount, pointsToUse int64) (*model.Payment, error)
	Get(ctx context.Context, internalID string) (*model.Payment, error)
	Confirm(ctx context.Context, internalID, gatewayRef string) (*model.Payment, *model.Order, error)
	ProcessWebhook(ctx context.Context, ev model.WebhookEvent) (*model.Payment, *model.Order, error)
}

// Memberships определяет контракт сервиса членства.
type Memberships interface {
	Grade(ctx context.Context, userID int64) (model.GradeName, int64, error)
	History(ctx context.Context, userID int64) ([]model.GradeHistory, error)
	Policies() []model.GradePolicy
	Recompute(ctx context.Context, userID int64) (model.GradeChange, error)
}

// Refunds определяет контракт оркестратора возвратов.
type Refunds interface {
	Refund(ctx context.Context, internalID, reason string) (*model.RefundRecord, model.GradeChange, error)
	History(ctx context.Context, internalID string) ([]model.RefundRecord, error)
}

// Products определяет контракт каталога.
type Products interface {
	List(ctx context.Context) ([]model.Product, error)
	Get(ctx context.Context, productID int64) (*model.Product, error)
}

// Handler реализует HTTP-обработчики движка.
type Handler struct {
	orders      Orders
	points      Points
	payments    Payments
	memberships Memberships
	refunds     Refunds
	products    Products
	logger      *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(orders Orders, points Points, payments Payments, memberships Memberships, refunds Refunds, products Products, logger *zap.Logger) *Handler {
	return &Handler{
		orders:      orders,
		points:      points,
		payments:    payments,
		memberships: memberships,
		refunds:     refunds,
		products:    products,
		logger:      logger,
	}
}

// userID достаёт идентификатор пользователя из заголовка X-User-ID.
func userID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeError сопоставляет доменные ошибки со статусами HTTP.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		http.Error(w, gwErr.Message, gwErr.StatusCode)
		return
	}

	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrPaymentNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidOrderState),
		errors.Is(err, model.ErrInvalidPaymentState),
		errors.Is(err, model.ErrPaymentAlreadyProcessed),
		errors.Is(err, model.ErrAlreadyRefunded),
		errors.Is(err, model.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrInsufficientPoints):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidOrderNumber):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type orderLineRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

type createOrderRequest struct {
	Lines       []orderLineRequest `json:"lines"`
	PointsToUse int64              `json:"pointsToUse"`
}

type orderLineResponse struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	UnitPrice   int64  `json:"unitPrice"`
	Quantity    int32  `json:"quantity"`
}

type orderResponse struct {
	OrderNumber  string              `json:"orderNumber"`
	TotalAmount  int64               `json:"totalAmount"`
	UsedPoints   int64               `json:"usedPoints"`
	FinalAmount  int64               `json:"finalAmount"`
	EarnedPoints int64               `json:"earnedPoints"`
	Currency     string              `json:"currency"`
	Status       string              `json:"status"`
	CreatedAt    string              `json:"createdAt"`
	Lines        []orderLineResponse `json:"lines,omitempty"`
}

func toOrderResponse(o *model.Order, lines []model.OrderLine) orderResponse {
	resp := orderResponse{
		OrderNumber:  o.OrderNumber,
		TotalAmount:  o.TotalAmount,
		UsedPoints:   o.UsedPoints,
		FinalAmount:  o.FinalAmount,
		EarnedPoints: o.EarnedPoints,
		Currency:     o.Currency,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
	}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, orderLineResponse{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
		})
	}
	return resp
}

// CreateOrder создаёт заказ для текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lines := make([]service.LineRequest, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, service.LineRequest{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	order, orderLines, err := h.orders.Create(r.Context(), uid, lines, req.PointsToUse)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order, orderLines))
}

// GetOrders возвращает заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.orders.List(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i], nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ текущего пользователя с позициями.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.orders.Get(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	lines, err := h.orders.Lines(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order, lines))
}

type gradeChangeResponse struct {
	Changed   bool   `json:"changed"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	TotalPaid int64  `json:"totalPaid"`
}

func toGradeChangeResponse(c model.GradeChange) gradeChangeResponse {
	return gradeChangeResponse{
		Changed:   c.Changed,
		From:      string(c.From),
		To:        string(c.To),
		TotalPaid: c.TotalPaid,
	}
}

// ConfirmOrder подтверждает заказ текущего пользователя.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := h.orders.Get(r.Context(), uid, orderID); err != nil {
		h.writeError(w, r, err)
		return
	}

	change, err := h.orders.Confirm(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toGradeChangeResponse(change))
}

// CancelOrder отменяет неподтверждённый заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.orders.Cancel(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

type productResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Price  int64  `json:"price"`
	Stock  int32  `json:"stock"`
	Status string `json:"status"`
}

// GetProducts возвращает каталог товаров.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock, Status: p.Status})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProduct возвращает товар по идентификатору.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(r, "productID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.products.Get(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, productResponse{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock, Status: p.Status})
}
