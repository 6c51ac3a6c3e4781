package fulfillment

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/core/common/validation"
	"github.com/frahmantamala/rental-fulfillment/internal/ledger"
	"github.com/frahmantamala/rental-fulfillment/internal/transport"
	"github.com/go-chi/chi"
)

type ServiceAPI interface {
	ConfirmAutomatically(ctx context.Context, bookingID string) (*Result, error)
	ConfirmManually(ctx context.Context, bookingID string, bypass bool) (*Result, error)
}

type LedgerReader interface {
	Read(ctx context.Context, bookingID, currentPaymentID string) ([]ledger.Entry, error)
}

type Handler struct {
	*transport.BaseHandler
	Service      ServiceAPI
	Requirements RequirementChecker
	Ledger       LedgerReader
	Reconciler   BalanceReconciler
}

func NewHandler(svc ServiceAPI, requirements RequirementChecker, ledgerReader LedgerReader, reconciler BalanceReconciler, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:  transport.NewBaseHandler(lg),
		Service:      svc,
		Requirements: requirements,
		Ledger:       ledgerReader,
		Reconciler:   reconciler,
	}
}

type ManualConfirmRequest struct {
	Bypass bool `json:"bypass"`
}

type LedgerResponse struct {
	BookingID string         `json:"booking_id"`
	Entries   []ledger.Entry `json:"entries"`
}

func (h *Handler) bookingID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if appErr := validation.ValidateBookingID(id); appErr != nil {
		h.HandleServiceError(w, r, appErr)
		return "", false
	}
	return id, true
}

// ConfirmAutomatically handles POST /bookings/{id}/confirm.
func (h *Handler) ConfirmAutomatically(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	result, err := h.Service.ConfirmAutomatically(r.Context(), id)
	h.writeResult(w, r, result, err)
}

// ConfirmManually handles POST /admin/bookings/{id}/confirm.
func (h *Handler) ConfirmManually(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	var req ManualConfirmRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.HandleServiceError(w, r, err)
		return
	}
	result, err := h.Service.ConfirmManually(r.Context(), id, req.Bypass)
	h.writeResult(w, r, result, err)
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result *Result, err error) {
	if err != nil {
		h.HandleServiceError(w, r, err)
		return
	}
	if !result.Success {
		h.WriteJSON(w, http.StatusConflict, result)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) GetCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	h.WriteJSON(w, http.StatusOK, h.Requirements.Check(r.Context(), id))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.Read(r.Context(), id, r.URL.Query().Get("current_payment_id"))
	if err != nil {
		h.HandleServiceError(w, r, internal.NewDataError("failed to read ledger", internal.ErrCodeStorageFailure, err))
		return
	}
	h.WriteJSON(w, http.StatusOK, LedgerResponse{BookingID: id, Entries: entries})
}

func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	result, err := h.Reconciler.Recalculate(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}
