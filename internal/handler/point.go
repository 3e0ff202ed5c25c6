package handler

import (
	"net/http"
	"time"
)

type balanceResponse struct {
	Current int64 `json:"current"`
}

// GetPointBalance возвращает снимок баланса поинтов текущего пользователя.
func (h *Handler) GetPointBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.points.Balance(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Current: balance})
}

type pointTransactionResponse struct {
	ID        int64  `json:"id"`
	OrderID   *int64 `json:"orderId,omitempty"`
	Amount    int64  `json:"amount"`
	Kind      string `json:"kind"`
	Remaining int64  `json:"remaining"`
	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// GetPointHistory возвращает журнал поинтов текущего пользователя.
func (h *Handler) GetPointHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	history, err := h.points.History(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]pointTransactionResponse, 0, len(history))
	for _, t := range history {
		item := pointTransactionResponse{
			ID:        t.ID,
			OrderID:   t.OrderID,
			Amount:    t.Amount,
			Kind:      string(t.Kind),
			Remaining: t.RemainingAmount,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		}
		if t.ExpiresAt != nil {
			item.ExpiresAt = t.ExpiresAt.Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type membershipResponse struct {
	Grade     string `json:"grade"`
	TotalPaid int64  `json:"totalPaid"`
}

// GetMembership возвращает грейд и накопленную оплату текущего пользователя.
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	grade, paid, err := h.memberships.Grade(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, membershipResponse{Grade: string(grade), TotalPaid: paid})
}

type gradeHistoryResponse struct {
	FromGrade      string `json:"fromGrade,omitempty"`
	ToGrade        string `json:"toGrade"`
	TriggerOrderID *int64 `json:"triggerOrderId,omitempty"`
	Reason         string `json:"reason"`
	UpdatedAt      string `json:"updatedAt"`
}

// GetMembershipHistory возвращает историю смен грейда текущего пользователя.
func (h *Handler) GetMembershipHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	history, err := h.memberships.History(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]gradeHistoryResponse, 0, len(history))
	for _, entry := range history {
		item := gradeHistoryResponse{
			ToGrade:        string(entry.ToGrade),
			TriggerOrderID: entry.TriggerOrderID,
			Reason:         entry.Reason,
			UpdatedAt:      entry.UpdatedAt.Format(time.RFC3339),
		}
		if entry.FromGrade != nil {
			item.FromGrade = string(*entry.FromGrade)
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type gradePolicyResponse struct {
	Grade          string `json:"grade"`
	MinAmount      int64  `json:"minAmount"`
	AccrualRateBPS int64  `json:"accrualRateBps"`
}

// GetGradePolicies возвращает таблицу грейдов.
func (h *Handler) GetGradePolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.memberships.Policies()

	resp := make([]gradePolicyResponse, 0, len(policies))
	for _, p := range policies {
		resp = append(resp, gradePolicyResponse{
			Grade:          string(p.Grade),
			MinAmount:      p.MinAmount,
			AccrualRateBPS: p.AccrualRateBPS,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecomputeMembership пересчитывает грейд текущего пользователя.
func (h *Handler) RecomputeMembership(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	change, err := h.memberships.Recompute(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toGradeChangeResponse(change))
}
