package requirement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	reqmodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/requirement"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Missing-step labels, in display order.
const (
	StepContract  = "Contract signing"
	StepInsurance = "Insurance upload"
	StepIdentity  = "ID verification"
	StepInvoice   = "Invoice payment"
	StepDeposit   = "Security deposit"
)

const checkFailedLabel = "Error checking completion status"

// Snapshot is computed fresh on every check and never cached.
type Snapshot struct {
	BookingID         string    `json:"booking_id"`
	ContractSigned    bool      `json:"contract_signed"`
	InsuranceUploaded bool      `json:"insurance_uploaded"`
	IdentityVerified  bool      `json:"identity_verified"`
	InvoicePaid       bool      `json:"invoice_paid"`
	DepositAuthorized bool      `json:"deposit_authorized"`
	MissingSteps      []string  `json:"missing_steps"`
	CheckedAt         time.Time `json:"checked_at"`
}

func (s Snapshot) Complete() bool {
	return len(s.MissingSteps) == 0
}

type Source interface {
	Booking(ctx context.Context, bookingID string) (*booking.Booking, error)
	ContractStatuses(ctx context.Context, bookingID string) ([]string, error)
	InsuranceDocumentCount(ctx context.Context, bookingID string) (int64, error)
	HasApprovedIDVerification(ctx context.Context, bookingID string) (bool, error)
	CustomerLicenseVerifiedAt(ctx context.Context, customerID string) (*time.Time, error)
	PrimaryPaymentStatuses(ctx context.Context, bookingID string) ([]string, error)
}

type Aggregator struct {
	source Source
	logger *slog.Logger
	now    func() time.Time
}

func NewAggregator(source Source, logger *slog.Logger) *Aggregator {
	return &Aggregator{source: source, logger: logger, now: time.Now}
}

type facts struct {
	booking          *booking.Booking
	contractStatuses []string
	insuranceDocs    int64
	approvedIDV      bool
	licenseVerified  *time.Time
	paymentStatuses  []string
}

// Check evaluates all five requirements. It never fails: a read error yields
// an incomplete snapshot whose only missing step describes the error.
func (a *Aggregator) Check(ctx context.Context, bookingID string) Snapshot {
	ctx, span := otel.Tracer("requirement").Start(ctx, "requirement.Check")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	f, err := a.load(ctx, bookingID)
	if err != nil {
		span.RecordError(err)
		a.logger.Error("failed to check booking completion", "error", err, "booking_id", bookingID)
		return Snapshot{
			BookingID:    bookingID,
			MissingSteps: []string{fmt.Sprintf("%s: %v", checkFailedLabel, err)},
			CheckedAt:    a.now().UTC(),
		}
	}

	s := Evaluate(f.booking, f.contractStatuses, f.insuranceDocs, f.approvedIDV, f.licenseVerified, f.paymentStatuses)
	s.CheckedAt = a.now().UTC()
	span.SetAttributes(attribute.Int("requirement.missing", len(s.MissingSteps)))
	return s
}

func (a *Aggregator) load(ctx context.Context, bookingID string) (*facts, error) {
	var (
		f   facts
		err error
	)

	if f.booking, err = a.source.Booking(ctx, bookingID); err != nil {
		return nil, err
	}
	if f.contractStatuses, err = a.source.ContractStatuses(ctx, bookingID); err != nil {
		return nil, err
	}
	if f.insuranceDocs, err = a.source.InsuranceDocumentCount(ctx, bookingID); err != nil {
		return nil, err
	}
	if f.approvedIDV, err = a.source.HasApprovedIDVerification(ctx, bookingID); err != nil {
		return nil, err
	}
	if f.licenseVerified, err = a.source.CustomerLicenseVerifiedAt(ctx, f.booking.CustomerID); err != nil {
		return nil, err
	}
	if f.paymentStatuses, err = a.source.PrimaryPaymentStatuses(ctx, bookingID); err != nil {
		return nil, err
	}
	return &f, nil
}

// Evaluate applies the five predicates without short-circuiting so the
// missing list is always complete.
//
// Insurance only needs an uploaded row while identity needs an approval. The
// asymmetry is intentional until product decides otherwise.
func Evaluate(b *booking.Booking, contractStatuses []string, insuranceDocs int64, approvedIDV bool, licenseVerifiedAt *time.Time, primaryPaymentStatuses []string) Snapshot {
	s := Snapshot{BookingID: b.ID, MissingSteps: []string{}}

	for _, status := range contractStatuses {
		if status == reqmodel.ContractStatusSigned || status == reqmodel.ContractStatusCompleted {
			s.ContractSigned = true
			break
		}
	}

	s.InsuranceUploaded = insuranceDocs > 0
	s.IdentityVerified = approvedIDV || licenseVerifiedAt != nil

	for _, status := range primaryPaymentStatuses {
		if status == payment.StatusCompleted {
			s.InvoicePaid = true
			break
		}
	}
	if b.Status == booking.StatusPaid {
		s.InvoicePaid = true
	}

	s.DepositAuthorized = b.PaymentMethodRef != nil && *b.PaymentMethodRef != ""

	if !s.ContractSigned {
		s.MissingSteps = append(s.MissingSteps, StepContract)
	}
	if !s.InsuranceUploaded {
		s.MissingSteps = append(s.MissingSteps, StepInsurance)
	}
	if !s.IdentityVerified {
		s.MissingSteps = append(s.MissingSteps, StepIdentity)
	}
	if !s.InvoicePaid {
		s.MissingSteps = append(s.MissingSteps, StepInvoice)
	}
	if !s.DepositAuthorized {
		s.MissingSteps = append(s.MissingSteps, StepDeposit)
	}
	return s
}
