package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeBookingConfirmed  = "booking.confirmed"
	EventTypePaymentReconciled = "payment.reconciled"
	EventTypePaymentDisputed   = "payment.disputed"
)

type BookingConfirmedEvent struct {
	BaseEvent
	BookingID     string `json:"booking_id"`
	BookingNumber string `json:"booking_number"`
	CustomerID    string `json:"customer_id"`
	EquipmentID   string `json:"equipment_id"`
	Manual        bool   `json:"manual"`
	PrincipalID   string `json:"principal_id,omitempty"`
}

func NewBookingConfirmedEvent(bookingID, bookingNumber, customerID, equipmentID string, manual bool, principalID string) *BookingConfirmedEvent {
	return &BookingConfirmedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.NewString(),
			Type:      EventTypeBookingConfirmed,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"booking_id":     bookingID,
				"booking_number": bookingNumber,
				"customer_id":    customerID,
				"equipment_id":   equipmentID,
				"manual":         manual,
				"principal_id":   principalID,
			},
		},
		BookingID:     bookingID,
		BookingNumber: bookingNumber,
		CustomerID:    customerID,
		EquipmentID:   equipmentID,
		Manual:        manual,
		PrincipalID:   principalID,
	}
}

type PaymentReconciledEvent struct {
	BaseEvent
	BookingID     string `json:"booking_id"`
	PaymentID     string `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	Balance       int64  `json:"balance"`
	BillingStatus string `json:"billing_status"`
}

func NewPaymentReconciledEvent(bookingID, paymentID, paymentStatus string, balance int64, billingStatus string) *PaymentReconciledEvent {
	return &PaymentReconciledEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.NewString(),
			Type:      EventTypePaymentReconciled,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"booking_id":     bookingID,
				"payment_id":     paymentID,
				"payment_status": paymentStatus,
				"balance":        balance,
				"billing_status": billingStatus,
			},
		},
		BookingID:     bookingID,
		PaymentID:     paymentID,
		PaymentStatus: paymentStatus,
		Balance:       balance,
		BillingStatus: billingStatus,
	}
}

type PaymentDisputedEvent struct {
	BaseEvent
	BookingID string `json:"booking_id"`
	PaymentID string `json:"payment_id"`
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason"`
	Amount    int64  `json:"amount"`
}

func NewPaymentDisputedEvent(bookingID, paymentID, disputeID, reason string, amount int64) *PaymentDisputedEvent {
	return &PaymentDisputedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.NewString(),
			Type:      EventTypePaymentDisputed,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"booking_id": bookingID,
				"payment_id": paymentID,
				"dispute_id": disputeID,
				"reason":     reason,
				"amount":     amount,
			},
		},
		BookingID: bookingID,
		PaymentID: paymentID,
		DisputeID: disputeID,
		Reason:    reason,
		Amount:    amount,
	}
}
