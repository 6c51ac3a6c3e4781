package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/transport"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxBodyBytes    = int64(65536)
)

type EventHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) Outcome
}

type Handler struct {
	*transport.BaseHandler
	Processor EventHandler
}

func NewHandler(processor EventHandler, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Processor:   processor,
	}
}

// HandleStripe handles POST /webhooks/stripe. The body is read raw so the
// signature is checked against exactly the bytes the gateway signed.
func (h *Handler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.HandleServiceError(w, r, internal.NewValidationError("webhook body could not be read", internal.ErrCodeInvalidPayload).WithCause(err))
		return
	}

	out := h.Processor.Handle(r.Context(), payload, r.Header.Get(SignatureHeader))
	if out.StatusCode != http.StatusOK {
		appErr, ok := internal.IsAppError(out.Error)
		if !ok {
			appErr = internal.ErrInvalidSignature
		}
		h.WriteAppError(w, appErr)
		return
	}
	h.WriteJSON(w, http.StatusOK, out)
}
