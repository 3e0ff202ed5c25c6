package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
)

type createPaymentRequest struct {
	OrderNumber string `json:"orderNumber"`
	Amount      int64  `json:"amount"`
	PointsToUse int64  `json:"pointsToUse"`
}

type paymentResponse struct {
	InternalID  string  `json:"internalId"`
	GatewayRef  *string `json:"gatewayRef,omitempty"`
	OrderID     int64   `json:"orderId"`
	Amount      int64   `json:"amount"`
	PointsToUse int64   `json:"pointsToUse"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		InternalID:  p.InternalID,
		GatewayRef:  p.GatewayRef,
		OrderID:     p.OrderID,
		Amount:      p.Amount,
		PointsToUse: p.PointsToUse,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

// CreatePayment создаёт платёж PENDING для заказа. Возвращённый внутренний
// идентификатор внешний вызывающий передаёт шлюзу как ключ идемпотентности.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.payments.Create(r.Context(), req.OrderNumber, req.Amount, req.PointsToUse)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

// GetPayment возвращает платёж по внутреннему идентификатору.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalID")

	p, err := h.payments.Get(r.Context(), internalID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

type confirmPaymentRequest struct {
	GatewayRef string `json:"gatewayRef"`
}

type confirmPaymentResponse struct {
	Payment paymentResponse `json:"payment"`
	Order   orderResponse   `json:"order"`
}

// ConfirmPayment подтверждает оплату по прямому вызову внешнего вызывающего.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalID")

	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.GatewayRef == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, order, err := h.payments.Confirm(r.Context(), internalID, req.GatewayRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, confirmPaymentResponse{
		Payment: toPaymentResponse(p),
		Order:   toOrderResponse(order, nil),
	})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type refundResponse struct {
	RefundGroupID    string              `json:"refundGroupId"`
	Amount           int64               `json:"amount"`
	Status           string              `json:"status"`
	GatewayRefundRef *string             `json:"gatewayRefundRef,omitempty"`
	GradeChange      gradeChangeResponse `json:"gradeChange"`
}

// RefundPayment выполняет возврат платежа.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalID")

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "customer request"
	}

	rec, change, err := h.refunds.Refund(r.Context(), internalID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, refundResponse{
		RefundGroupID:    rec.RefundGroupID,
		Amount:           rec.Amount,
		Status:           string(rec.Status),
		GatewayRefundRef: rec.GatewayRefundRef,
		GradeChange:      toGradeChangeResponse(change),
	})
}

type refundRecordResponse struct {
	RefundGroupID    string  `json:"refundGroupId"`
	Amount           int64   `json:"amount"`
	Reason           string  `json:"reason"`
	Status           string  `json:"status"`
	GatewayRefundRef *string `json:"gatewayRefundRef,omitempty"`
	RefundedAt       string  `json:"refundedAt"`
}

// GetRefunds возвращает записи аудита возвратов платежа.
func (h *Handler) GetRefunds(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalID")

	records, err := h.refunds.History(r.Context(), internalID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]refundRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, refundRecordResponse{
			RefundGroupID:    rec.RefundGroupID,
			Amount:           rec.Amount,
			Reason:           rec.Reason,
			Status:           string(rec.Status),
			GatewayRefundRef: rec.GatewayRefundRef,
			RefundedAt:       rec.RefundedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type webhookRequest struct {
	WebhookID   string `json:"webhookId"`
	PaymentRef  string `json:"paymentRef"`
	EventStatus string `json:"eventStatus"`
}

// PaymentWebhook принимает событие шлюза. Подпись события проверяется выше
// по стеку. Повторная доставка того же webhookId подтверждается 200 без
// побочных эффектов.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.WebhookID == "" || req.PaymentRef == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, _, err := h.payments.ProcessWebhook(r.Context(), model.WebhookEvent{
		WebhookID:   req.WebhookID,
		PaymentRef:  req.PaymentRef,
		EventStatus: req.EventStatus,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateWebhook) {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Warn("webhook processing failed",
			zap.String("webhookID", req.WebhookID), zap.Error(err))
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
