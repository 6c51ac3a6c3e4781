package payment

import (
	"strings"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	"github.com/frahmantamala/rental-fulfillment/internal/core/common/validation"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
)

const (
	MethodCash         = "cash"
	MethodCheck        = "check"
	MethodBankTransfer = "bank_transfer"
	MethodCardTerminal = "card_terminal"
	MethodOther        = "other"
)

// ManualPaymentRequest is what office staff enter for money received
// outside the gateway. ReceivedAt is kept as typed.
type ManualPaymentRequest struct {
	Amount     int64   `json:"amount"`
	Currency   string  `json:"currency"`
	Method     string  `json:"method"`
	ReceivedAt string  `json:"received_at"`
	Reference  *string `json:"reference,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

func (r *ManualPaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Custom(func(interface{}) *internal.AppError {
		return validation.ValidateAmount("amount", r.Amount)
	})
	validator.Field("method", strings.TrimSpace(r.Method)).
		Required().
		OneOf(MethodCash, MethodCheck, MethodBankTransfer, MethodCardTerminal, MethodOther)
	validator.Field("currency", r.Currency).MaxLength(3)
	validator.Field("received_at", r.ReceivedAt).MaxLength(64)
	if r.Notes != nil {
		validator.Field("notes", *r.Notes).MaxLength(1000)
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// SettlementResponse reports the balance after a manual payment write and,
// when it was attempted, the confirmation outcome.
type SettlementResponse struct {
	PaymentID    string              `json:"payment_id"`
	BookingID    string              `json:"booking_id"`
	Balance      *balance.Result     `json:"balance"`
	Confirmation *fulfillment.Result `json:"confirmation,omitempty"`
}
