// Package fulfillment moves a booking from pending to confirmed once every
// completion requirement holds, then runs the post-confirmation side effects.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/internal/availability"
	auditDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/audit"
	availabilityDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/availability"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	"github.com/frahmantamala/rental-fulfillment/internal/dispatch"
	"github.com/frahmantamala/rental-fulfillment/internal/lock"
	"github.com/frahmantamala/rental-fulfillment/internal/notification"
	"github.com/frahmantamala/rental-fulfillment/internal/requirement"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	MessageConfirmed        = "Booking confirmed successfully!"
	MessageAlreadyConfirmed = "Booking already confirmed"
	MessageNotReady         = "Cannot confirm booking - requirements not met"
)

type RepositoryAPI interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	GetCustomer(ctx context.Context, id string) (*booking.Customer, error)
	ConfirmIfConfirmable(ctx context.Context, id string) (bool, error)
	MarkCompletionEmailSent(ctx context.Context, id string, at time.Time) (bool, error)
}

type RequirementChecker interface {
	Check(ctx context.Context, bookingID string) requirement.Snapshot
}

type AvailabilityBlocker interface {
	CreateAvailabilityBlock(ctx context.Context, req availability.BlockRequest) (*availabilityDatamodel.Block, error)
}

type Config struct {
	RedirectBaseURL string
}

type Dependencies struct {
	Repo         RepositoryAPI
	Requirements RequirementChecker
	Notifier     notification.Notifier
	Availability AvailabilityBlocker
	Locker       lock.Locker
	Dispatcher   dispatch.Dispatcher
	Events       events.Publisher
	Audit        audit.Writer
	Logger       *slog.Logger
}

// Result is returned to both automated triggers and admin actions.
type Result struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	BookingID        string   `json:"booking_id"`
	BookingNumber    string   `json:"booking_number,omitempty"`
	RedirectURL      string   `json:"redirect_url,omitempty"`
	MissingSteps     []string `json:"missing_steps,omitempty"`
	AlreadyConfirmed bool     `json:"already_confirmed"`
}

// NotReadyError describes the missing steps of an unsuccessful result.
func (r *Result) NotReadyError() error {
	if r.Success {
		return nil
	}
	return internal.NewNotReadyError(r.MissingSteps)
}

type Machine struct {
	cfg  Config
	deps Dependencies
	now  func() time.Time
}

func NewMachine(cfg Config, deps Dependencies) *Machine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.Inline{Logger: deps.Logger}
	}
	return &Machine{cfg: cfg, deps: deps, now: time.Now}
}

type confirmRequest struct {
	bookingID string
	manual    bool
	bypass    bool
	principal *auth.Principal
}

// ConfirmAutomatically confirms the booking when all five requirements hold.
// It is safe to call repeatedly: a confirmed booking short-circuits and only
// resends the completion email if it never went out.
func (m *Machine) ConfirmAutomatically(ctx context.Context, bookingID string) (*Result, error) {
	return m.confirm(ctx, confirmRequest{bookingID: bookingID})
}

// ConfirmManually is the admin variant. With bypass set the requirement guard
// is skipped entirely.
func (m *Machine) ConfirmManually(ctx context.Context, bookingID string, bypass bool) (*Result, error) {
	principal, err := auth.RequireElevatedPrivilege(ctx)
	if err != nil {
		return nil, err
	}

	if bypass {
		m.deps.Logger.WarnContext(ctx, "manual confirmation bypassing requirements",
			"booking_id", bookingID,
			"principal_id", principal.ID)
	}

	return m.confirm(ctx, confirmRequest{
		bookingID: bookingID,
		manual:    true,
		bypass:    bypass,
		principal: principal,
	})
}

func (m *Machine) confirm(ctx context.Context, req confirmRequest) (*Result, error) {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "fulfillment.Confirm")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.id", req.bookingID),
		attribute.Bool("fulfillment.manual", req.manual),
		attribute.Bool("fulfillment.bypass", req.bypass),
	)

	if strings.TrimSpace(req.bookingID) == "" {
		return nil, internal.NewValidationError("booking id is required", internal.ErrCodeInvalidBookingID)
	}
	if err := m.checkConfiguration(); err != nil {
		m.deps.Logger.ErrorContext(ctx, "fulfillment is misconfigured", "error", err, "booking_id", req.bookingID)
		return nil, err
	}

	unlock, err := m.deps.Locker.Lock(ctx, req.bookingID)
	if err != nil {
		return nil, internal.NewDataError("could not serialize booking update", internal.ErrCodeLockNotAcquired, err)
	}
	result, jobs, err := m.confirmLocked(ctx, req)
	unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Jobs run after the lock is released. The email steps take it again to
	// recheck the sent-at flag.
	for _, job := range jobs {
		m.deps.Dispatcher.Submit(job)
	}
	span.SetAttributes(attribute.Bool("fulfillment.success", result.Success))
	return result, nil
}

func (m *Machine) confirmLocked(ctx context.Context, req confirmRequest) (*Result, []dispatch.Job, error) {
	log := m.deps.Logger.With("booking_id", req.bookingID)

	b, err := m.deps.Repo.GetBooking(ctx, req.bookingID)
	if err != nil {
		return nil, nil, m.dataError(err)
	}

	result := &Result{
		BookingID:     b.ID,
		BookingNumber: b.BookingNumber,
		RedirectURL:   m.redirectURL(b.ID),
	}

	if b.Status == booking.StatusConfirmed {
		result.Success = true
		result.AlreadyConfirmed = true
		result.Message = MessageAlreadyConfirmed

		var jobs []dispatch.Job
		if b.CompletionEmailSentAt == nil {
			log.InfoContext(ctx, "confirmed booking has no completion email yet, dispatching")
			jobs = append(jobs, m.emailJob(b.ID))
		}
		return result, jobs, nil
	}

	if !b.Confirmable() {
		return nil, nil, internal.NewValidationError(
			fmt.Sprintf("booking is %s and cannot be confirmed", b.Status),
			internal.ErrCodeBookingNotEligible,
		)
	}

	if !req.bypass {
		snapshot := m.deps.Requirements.Check(ctx, b.ID)
		if !snapshot.Complete() {
			log.InfoContext(ctx, "booking not ready for confirmation", "missing_steps", snapshot.MissingSteps)
			result.Success = false
			result.Message = MessageNotReady
			result.RedirectURL = ""
			result.MissingSteps = snapshot.MissingSteps
			return result, nil, nil
		}
	}

	transitioned, err := m.deps.Repo.ConfirmIfConfirmable(ctx, b.ID)
	if err != nil {
		return nil, nil, m.dataError(err)
	}
	if !transitioned {
		// Another writer changed the status between the read and the update.
		current, err := m.deps.Repo.GetBooking(ctx, b.ID)
		if err != nil {
			return nil, nil, m.dataError(err)
		}
		if current.Status != booking.StatusConfirmed {
			return nil, nil, internal.NewValidationError(
				fmt.Sprintf("booking is %s and cannot be confirmed", current.Status),
				internal.ErrCodeBookingNotEligible,
			)
		}
		result.Success = true
		result.AlreadyConfirmed = true
		result.Message = MessageAlreadyConfirmed
		return result, nil, nil
	}

	b.Status = booking.StatusConfirmed
	log.InfoContext(ctx, "booking confirmed", "manual", req.manual, "bypass", req.bypass)

	principalID := ""
	if req.principal != nil {
		principalID = req.principal.ID
	}
	if req.bypass {
		m.recordBypass(ctx, b, principalID)
	}
	if m.deps.Events != nil {
		event := events.NewBookingConfirmedEvent(b.ID, b.BookingNumber, b.CustomerID, b.EquipmentID, req.manual, principalID)
		if err := m.deps.Events.Publish(ctx, event); err != nil {
			log.ErrorContext(ctx, "failed to publish booking confirmed event", "error", err)
		}
	}

	result.Success = true
	result.Message = MessageConfirmed
	return result, []dispatch.Job{m.confirmationJob(b, principalID)}, nil
}

func (m *Machine) checkConfiguration() error {
	var missing []string
	if m.deps.Repo == nil {
		missing = append(missing, "booking repository")
	}
	if m.deps.Requirements == nil {
		missing = append(missing, "requirement checker")
	}
	if m.deps.Notifier == nil {
		missing = append(missing, "notification service")
	}
	if m.deps.Availability == nil {
		missing = append(missing, "availability service")
	}
	if len(missing) > 0 {
		return internal.NewConfigurationError("fulfillment is not configured: missing " + strings.Join(missing, ", "))
	}
	return nil
}

func (m *Machine) dataError(err error) error {
	if errors.Is(err, internal.ErrBookingNotFound) {
		return internal.NewDataError("Booking not found", internal.ErrCodeBookingNotFound, err)
	}
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	return internal.NewDataError("failed to access booking", internal.ErrCodeStorageFailure, err)
}

func (m *Machine) redirectURL(bookingID string) string {
	return strings.TrimRight(m.cfg.RedirectBaseURL, "/") + "/booking/" + bookingID + "/confirmed"
}

func (m *Machine) recordBypass(ctx context.Context, b *booking.Booking, principalID string) {
	if m.deps.Audit == nil {
		return
	}
	err := m.deps.Audit.Record(ctx, audit.Record{
		TableName: "bookings",
		RecordID:  b.ID,
		Action:    "booking.confirm_bypass",
		Actor:     principalID,
		Severity:  auditDatamodel.SeverityHigh,
		NewValues: map[string]interface{}{"status": booking.StatusConfirmed, "bypass": true},
	})
	if err != nil {
		m.deps.Logger.ErrorContext(ctx, "failed to audit confirmation bypass", "error", err, "booking_id", b.ID)
	}
}
