package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRouter настраивает HTTP-маршруты движка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.GetOrders)
			r.Get("/{orderID}", h.GetOrder)
			r.Post("/{orderID}/confirm", h.ConfirmOrder)
			r.Post("/{orderID}/cancel", h.CancelOrder)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.GetProducts)
			r.Get("/{productID}", h.GetProduct)
		})

		r.Route("/points", func(r chi.Router) {
			r.Get("/balance", h.GetPointBalance)
			r.Get("/history", h.GetPointHistory)
		})

		r.Route("/membership", func(r chi.Router) {
			r.Get("/", h.GetMembership)
			r.Get("/history", h.GetMembershipHistory)
			r.Get("/policies", h.GetGradePolicies)
			r.Post("/recompute", h.RecomputeMembership)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Get("/{internalID}", h.GetPayment)
			r.Post("/{internalID}/confirm", h.ConfirmPayment)
			r.Post("/{internalID}/refund", h.RefundPayment)
			r.Get("/{internalID}/refunds", h.GetRefunds)
		})
	})

	r.Post("/webhooks/payment", h.PaymentWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
