package fulfillment_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	"github.com/frahmantamala/rental-fulfillment/internal/dispatch"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/lock"
	"github.com/frahmantamala/rental-fulfillment/internal/requirement"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Machine", func() {
	var (
		repo         *mockRepo
		requirements *mockRequirements
		notifier     *mockNotifier
		blocks       *mockAvailability
		bus          *mockEvents
		auditLog     *mockAudit
		machine      *fulfillment.Machine
		ctx          context.Context
	)

	address := "12 Quarry Road"
	deposit := "pm_card_visa"

	BeforeEach(func() {
		repo = newMockRepo()
		repo.customers["cus-1"] = &booking.Customer{ID: "cus-1", Email: "jane@example.com"}
		repo.put(&booking.Booking{
			ID:               "bk-1",
			BookingNumber:    "BK-0001",
			EquipmentID:      "eq-7",
			CustomerID:       "cus-1",
			StartDate:        time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC),
			EndDate:          time.Date(2026, 11, 6, 0, 0, 0, 0, time.UTC),
			TotalAmount:      210000,
			Status:           booking.StatusPaid,
			DeliveryAddress:  &address,
			PaymentMethodRef: &deposit,
		})

		requirements = &mockRequirements{missing: map[string][]string{}}
		notifier = &mockNotifier{}
		blocks = &mockAvailability{}
		bus = &mockEvents{}
		auditLog = &mockAudit{}
		ctx = context.Background()

		machine = fulfillment.NewMachine(fulfillment.Config{RedirectBaseURL: "https://rent.example.com/"}, fulfillment.Dependencies{
			Repo:         repo,
			Requirements: requirements,
			Notifier:     notifier,
			Availability: blocks,
			Locker:       lock.NewKeyedMutex(),
			Dispatcher:   dispatch.Inline{Logger: logger.Discard()},
			Events:       bus,
			Audit:        auditLog,
			Logger:       logger.Discard(),
		})
	})

	Describe("ConfirmAutomatically", func() {
		It("reports missing steps without changing the booking", func() {
			requirements.missing["bk-1"] = []string{requirement.StepContract, requirement.StepIdentity}

			result, err := machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeFalse())
			Expect(result.Message).To(Equal(fulfillment.MessageNotReady))
			Expect(result.MissingSteps).To(Equal([]string{"Contract signing", "ID verification"}))

			notReady := result.NotReadyError()
			Expect(internal.IsNotReady(notReady)).To(BeTrue())
			Expect(notReady.Error()).To(Equal("Missing: Contract signing, ID verification"))

			Expect(repo.get("bk-1").Status).To(Equal(booking.StatusPaid))
			Expect(repo.confirmCalls).To(Equal(0))
			Expect(notifier.customerEmailCount()).To(Equal(0))
		})

		It("confirms and runs all six side effects", func() {
			result, err := machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.Message).To(Equal("Booking confirmed successfully!"))
			Expect(result.RedirectURL).To(Equal("https://rent.example.com/booking/bk-1/confirmed"))
			Expect(result.BookingNumber).To(Equal("BK-0001"))

			stored := repo.get("bk-1")
			Expect(stored.Status).To(Equal(booking.StatusConfirmed))
			Expect(stored.CompletionEmailSentAt).NotTo(BeNil())

			Expect(notifier.customerEmails).To(HaveLen(1))
			Expect(notifier.customerEmails[0].To).To(ConsistOf("jane@example.com"))
			Expect(notifier.customerEmails[0].Data).To(HaveKeyWithValue("delivery_address", address))
			Expect(notifier.adminEmails).To(HaveLen(1))
			Expect(notifier.inApp).To(HaveLen(1))
			Expect(notifier.inApp[0].UserID).To(Equal("cus-1"))
			Expect(notifier.broadcasts).To(HaveLen(1))

			Expect(blocks.requests).To(HaveLen(1))
			Expect(blocks.requests[0].EquipmentID).To(Equal("eq-7"))
			Expect(blocks.requests[0].BookingID).To(Equal("bk-1"))
			Expect(blocks.requests[0].StartAt).To(Equal(stored.StartDate))
			Expect(blocks.actors).To(ConsistOf(fulfillment.SystemActor))

			Expect(bus.published).To(HaveLen(1))
			Expect(bus.published[0].EventType()).To(Equal(events.EventTypeBookingConfirmed))
		})

		It("is idempotent across repeated calls", func() {
			_, err := machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())

			result, err := machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.AlreadyConfirmed).To(BeTrue())
			Expect(result.Message).To(Equal(fulfillment.MessageAlreadyConfirmed))

			Expect(repo.confirmCalls).To(Equal(1))
			Expect(notifier.customerEmailCount()).To(Equal(1))
			Expect(blocks.requests).To(HaveLen(1))
			Expect(bus.published).To(HaveLen(1))
		})

		It("keeps the confirmation when a side effect fails and resends the email later", func() {
			notifier.failCustomer = errors.New("smtp timeout")
			blocks.err = errors.New("calendar unavailable")

			result, err := machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())

			stored := repo.get("bk-1")
			Expect(stored.Status).To(Equal(booking.StatusConfirmed))
			Expect(stored.CompletionEmailSentAt).To(BeNil())
			Expect(notifier.inApp).To(HaveLen(1))
			Expect(notifier.broadcasts).To(HaveLen(1))
			Expect(notifier.adminEmailCount()).To(Equal(1))

			for i := 0; i < 2; i++ {
				result, err = machine.ConfirmAutomatically(ctx, "bk-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(result.AlreadyConfirmed).To(BeTrue())
			}
			Expect(notifier.adminEmailCount()).To(Equal(1))
			Expect(repo.get("bk-1").CompletionEmailSentAt).To(BeNil())

			notifier.failCustomer = nil
			result, err = machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.AlreadyConfirmed).To(BeTrue())
			Expect(notifier.customerEmailCount()).To(Equal(1))
			Expect(repo.get("bk-1").CompletionEmailSentAt).NotTo(BeNil())
			Expect(notifier.inApp).To(HaveLen(1))

			_, err = machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(notifier.customerEmailCount()).To(Equal(1))
			Expect(notifier.adminEmailCount()).To(Equal(1))
		})

		It("rejects bookings that can no longer be confirmed", func() {
			b := repo.get("bk-1")
			b.Status = booking.StatusCancelled
			repo.put(&b)

			_, err := machine.ConfirmAutomatically(ctx, "bk-1")
			Expect(internal.IsValidationError(err)).To(BeTrue())
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.Code).To(Equal(internal.ErrCodeBookingNotEligible))
		})

		It("distinguishes a missing booking", func() {
			_, err := machine.ConfirmAutomatically(ctx, "nope")
			Expect(internal.IsDataError(err)).To(BeTrue())
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.Code).To(Equal(internal.ErrCodeBookingNotFound))
			Expect(appErr.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("wraps storage failures as data errors", func() {
			repo.getErr = errors.New("connection reset")
			_, err := machine.ConfirmAutomatically(ctx, "bk-1")
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeStorageFailure))
		})

		It("rejects an empty booking id", func() {
			_, err := machine.ConfirmAutomatically(ctx, " ")
			Expect(internal.IsValidationError(err)).To(BeTrue())
		})

		It("fails loudly when collaborators are missing", func() {
			broken := fulfillment.NewMachine(fulfillment.Config{}, fulfillment.Dependencies{
				Repo:         repo,
				Requirements: requirements,
				Logger:       logger.Discard(),
			})
			_, err := broken.ConfirmAutomatically(ctx, "bk-1")
			Expect(internal.IsConfigurationError(err)).To(BeTrue())
			Expect(internal.IsNotReady(err)).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring("notification service"))
			Expect(repo.get("bk-1").Status).To(Equal(booking.StatusPaid))
		})
	})

	Describe("ConfirmManually", func() {
		adminCtx := func() context.Context {
			return auth.WithPrincipal(context.Background(), &auth.Principal{ID: "admin-1", Role: auth.RoleAdmin})
		}

		It("requires an elevated principal", func() {
			_, err := machine.ConfirmManually(ctx, "bk-1", true)
			Expect(err).To(HaveOccurred())

			staff := auth.WithPrincipal(context.Background(), &auth.Principal{ID: "s-1", Role: auth.RoleStaff})
			_, err = machine.ConfirmManually(staff, "bk-1", true)
			Expect(err).To(Equal(internal.ErrInsufficientRole))
			Expect(repo.confirmCalls).To(Equal(0))
		})

		It("still enforces requirements without bypass", func() {
			requirements.missing["bk-1"] = []string{requirement.StepInsurance}
			result, err := machine.ConfirmManually(adminCtx(), "bk-1", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeFalse())
			Expect(result.MissingSteps).To(ConsistOf(requirement.StepInsurance))
		})

		It("skips the guard with bypass and leaves an audit trail", func() {
			requirements.missing["bk-1"] = []string{requirement.StepInsurance, requirement.StepDeposit}

			result, err := machine.ConfirmManually(adminCtx(), "bk-1", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(repo.get("bk-1").Status).To(Equal(booking.StatusConfirmed))

			Expect(auditLog.records).To(HaveLen(1))
			Expect(auditLog.records[0].Actor).To(Equal("admin-1"))
			Expect(auditLog.records[0].Action).To(Equal("booking.confirm_bypass"))

			confirmed, ok := bus.published[0].(*events.BookingConfirmedEvent)
			Expect(ok).To(BeTrue())
			Expect(confirmed.Manual).To(BeTrue())
			Expect(confirmed.PrincipalID).To(Equal("admin-1"))
			Expect(blocks.actors).To(ConsistOf("admin-1"))
		})
	})
})
