package payment

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/rental-fulfillment/internal/core/common/validation"
	"github.com/frahmantamala/rental-fulfillment/internal/transport"
	"github.com/go-chi/chi"
)

type ServiceAPI interface {
	RecordManualPayment(ctx context.Context, bookingID string, req ManualPaymentRequest) (*SettlementResponse, error)
	VoidManualPayment(ctx context.Context, bookingID, paymentID string) (*SettlementResponse, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(svc ServiceAPI, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     svc,
	}
}

// RecordManualPayment handles POST /admin/bookings/{id}/manual-payments.
func (h *Handler) RecordManualPayment(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "id")
	if appErr := validation.ValidateBookingID(bookingID); appErr != nil {
		h.HandleServiceError(w, r, appErr)
		return
	}

	var req ManualPaymentRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.HandleServiceError(w, r, err)
		return
	}

	resp, err := h.Service.RecordManualPayment(r.Context(), bookingID, req)
	if err != nil {
		h.HandleServiceError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, resp)
}

// VoidManualPayment handles DELETE /admin/bookings/{id}/manual-payments/{paymentID}.
func (h *Handler) VoidManualPayment(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.VoidManualPayment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.HandleServiceError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}
