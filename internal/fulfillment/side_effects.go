package fulfillment

import (
	"context"
	"fmt"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/availability"
	availabilityDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/availability"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/dispatch"
	"github.com/frahmantamala/rental-fulfillment/internal/notification"
)

// Side-effect step names, as they appear in failure logs.
const (
	StepCustomerEmail     = "customer_email"
	StepAdminEmail        = "admin_email"
	StepMarkEmailSent     = "mark_email_sent"
	StepCustomerInApp     = "customer_in_app"
	StepAdminBroadcast    = "admin_broadcast"
	StepAvailabilityBlock = "availability_block"
)

// SystemActor is recorded on rows written by side effects of an automatic
// confirmation.
const SystemActor = "system:fulfillment"

// confirmationJob runs all six steps in order for a fresh confirmation.
func (m *Machine) confirmationJob(b *booking.Booking, actor string) dispatch.Job {
	snapshot := *b
	if actor == "" {
		actor = SystemActor
	}
	return dispatch.Job{
		Name:      "booking_confirmed",
		BookingID: b.ID,
		Run: func(ctx context.Context) error {
			ctx = internal.ContextWithActor(ctx, actor)
			m.sendCompletionEmails(ctx, snapshot.ID, true)
			m.notifyInApp(ctx, &snapshot)
			m.blockEquipment(ctx, &snapshot)
			return nil
		},
	}
}

// emailJob retries only the customer completion email. The admin email went
// out with the confirmation and is not repeated.
func (m *Machine) emailJob(bookingID string) dispatch.Job {
	return dispatch.Job{
		Name:      "completion_email",
		BookingID: bookingID,
		Run: func(ctx context.Context) error {
			m.sendCompletionEmails(ctx, bookingID, false)
			return nil
		},
	}
}

// sendCompletionEmails covers steps one to three. The sent-at flag is checked
// and set under the booking lock so concurrent retries send at most once.
// withAdmin is set only for the confirmation itself.
func (m *Machine) sendCompletionEmails(ctx context.Context, bookingID string, withAdmin bool) {
	unlock, err := m.deps.Locker.Lock(ctx, bookingID)
	if err != nil {
		m.stepFailed(ctx, bookingID, StepCustomerEmail, err)
		return
	}
	defer unlock()

	b, err := m.deps.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		m.stepFailed(ctx, bookingID, StepCustomerEmail, err)
		return
	}
	if b.CompletionEmailSentAt != nil {
		m.deps.Logger.DebugContext(ctx, "completion email already sent", "booking_id", bookingID)
		return
	}

	data := map[string]interface{}{
		"booking_id":     b.ID,
		"booking_number": b.BookingNumber,
		"start_date":     b.StartDate.Format("2006-01-02"),
		"end_date":       b.EndDate.Format("2006-01-02"),
		"total_amount":   b.TotalAmount,
		"currency":       b.Currency,
		"redirect_url":   m.redirectURL(b.ID),
	}
	if b.DeliveryAddress != nil {
		data["delivery_address"] = *b.DeliveryAddress
	}

	customerErr := m.sendCustomerEmail(ctx, b, data)
	if customerErr != nil {
		m.stepFailed(ctx, b.ID, StepCustomerEmail, customerErr)
	}

	if withAdmin {
		err = m.deps.Notifier.SendAdminEmail(ctx, notification.Email{
			Template:  notification.TemplateAdminBookingConfirmed,
			Subject:   fmt.Sprintf("Booking %s confirmed", b.BookingNumber),
			BookingID: b.ID,
			Data:      data,
		})
		if err != nil {
			m.stepFailed(ctx, b.ID, StepAdminEmail, err)
		}
	}

	if customerErr != nil {
		return
	}
	if _, err := m.deps.Repo.MarkCompletionEmailSent(ctx, b.ID, m.now().UTC()); err != nil {
		m.stepFailed(ctx, b.ID, StepMarkEmailSent, err)
	}
}

func (m *Machine) sendCustomerEmail(ctx context.Context, b *booking.Booking, data map[string]interface{}) error {
	customer, err := m.deps.Repo.GetCustomer(ctx, b.CustomerID)
	if err != nil {
		return err
	}

	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["customer_name"] = customer.DisplayName()

	return m.deps.Notifier.SendCustomerEmail(ctx, notification.Email{
		Template:  notification.TemplateBookingConfirmed,
		To:        []string{customer.Email},
		Subject:   fmt.Sprintf("Your booking %s is confirmed", b.BookingNumber),
		BookingID: b.ID,
		Data:      payload,
	})
}

func (m *Machine) notifyInApp(ctx context.Context, b *booking.Booking) {
	link := m.redirectURL(b.ID)

	err := m.deps.Notifier.CreateInAppNotification(ctx, notification.InApp{
		UserID:    b.CustomerID,
		Title:     "Booking confirmed",
		Body:      fmt.Sprintf("Your booking %s is confirmed.", b.BookingNumber),
		Link:      link,
		BookingID: b.ID,
	})
	if err != nil {
		m.stepFailed(ctx, b.ID, StepCustomerInApp, err)
	}

	err = m.deps.Notifier.BroadcastToAdmins(ctx, notification.InApp{
		Title:     "Booking confirmed",
		Body:      fmt.Sprintf("Booking %s has met every requirement and is confirmed.", b.BookingNumber),
		Link:      link,
		BookingID: b.ID,
	})
	if err != nil {
		m.stepFailed(ctx, b.ID, StepAdminBroadcast, err)
	}
}

func (m *Machine) blockEquipment(ctx context.Context, b *booking.Booking) {
	_, err := m.deps.Availability.CreateAvailabilityBlock(ctx, availability.BlockRequest{
		EquipmentID: b.EquipmentID,
		StartAt:     b.StartDate,
		EndAt:       b.EndDate,
		Reason:      availabilityDatamodel.ReasonBooked,
		BookingID:   b.ID,
		Notes:       "Booking " + b.BookingNumber,
	})
	if err != nil {
		m.stepFailed(ctx, b.ID, StepAvailabilityBlock, err)
	}
}

// stepFailed logs enough to replay the step by hand. Steps are never retried
// here.
func (m *Machine) stepFailed(ctx context.Context, bookingID, step string, cause error) {
	err := internal.NewSideEffectError(step, cause)
	m.deps.Logger.ErrorContext(ctx, "side effect failed",
		"booking_id", bookingID,
		"step", step,
		"error", err)
}
