package payment_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	balancepg "github.com/frahmantamala/rental-fulfillment/internal/balance/postgres"
	bookingpg "github.com/frahmantamala/rental-fulfillment/internal/booking/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	paymentDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/payment"
	paymentpg "github.com/frahmantamala/rental-fulfillment/internal/payment/postgres"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type mockConfirmer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *mockConfirmer) ConfirmAutomatically(_ context.Context, bookingID string) (*fulfillment.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, bookingID)
	if c.err != nil {
		return nil, c.err
	}
	return &fulfillment.Result{Success: true, Message: fulfillment.MessageConfirmed, BookingID: bookingID}, nil
}

type mockAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *mockAudit) Record(_ context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *mockAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

func openDB() *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	Expect(err).NotTo(HaveOccurred())
	Expect(db.AutoMigrate(&booking.Booking{}, &paymentDatamodel.Payment{}, &paymentDatamodel.ManualPayment{})).To(Succeed())
	return db
}

func seedBooking(db *gorm.DB, id string, total int64) {
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	Expect(db.Create(&booking.Booking{
		ID:            id,
		BookingNumber: "BK-" + id,
		EquipmentID:   "eq-1",
		CustomerID:    "cus-1",
		StartDate:     start,
		EndDate:       start.AddDate(0, 0, 3),
		TotalAmount:   total,
		BalanceAmount: total,
		BillingStatus: booking.BillingUnpaid,
		Currency:      "usd",
		Status:        booking.StatusPending,
	}).Error).To(Succeed())
}

var _ = Describe("Service", func() {
	var (
		db        *gorm.DB
		ctx       context.Context
		svc       *payment.Service
		bookings  *bookingpg.BookingRepository
		confirmer *mockConfirmer
		auditLog  *mockAudit
	)

	BeforeEach(func() {
		db = openDB()
		ctx = internal.ContextWithActor(context.Background(), "office-7")
		log := logger.Discard()
		bookings = bookingpg.NewBookingRepository(db)
		confirmer = &mockConfirmer{}
		auditLog = &mockAudit{}
		svc = payment.NewService(payment.Dependencies{
			Repo:       paymentpg.NewPaymentRepository(db),
			Reconciler: balance.NewReconciler(balancepg.NewStore(db, log), log),
			Bookings:   bookings,
			Confirmer:  confirmer,
			Audit:      auditLog,
			Logger:     log,
		})
		seedBooking(db, "bk-1", 210000)
	})

	Describe("RecordCapture", func() {
		capture := payment.Capture{
			BookingID:        "bk-1",
			GatewayReference: "pi_1",
			Kind:             paymentDatamodel.KindPayment,
			Amount:           160000,
			Currency:         "usd",
			Metadata:         map[string]interface{}{"bookingId": "bk-1"},
		}

		It("creates one completed row and reuses it on replay", func() {
			first, err := svc.RecordCapture(ctx, capture)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(first.ProcessedAt).NotTo(BeNil())

			replay := capture
			replay.ChargeID = "ch_1"
			second, err := svc.RecordCapture(ctx, replay)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
			Expect(*second.GatewayChargeID).To(Equal("ch_1"))

			var count int64
			Expect(db.Model(&paymentDatamodel.Payment{}).Count(&count).Error).To(Succeed())
			Expect(count).To(Equal(int64(1)))
		})

		It("completes a pending row found through the payment id metadata", func() {
			Expect(db.Create(&paymentDatamodel.Payment{
				ID: "pay-9", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment,
				Amount: 160000, Currency: "usd", Status: paymentDatamodel.StatusPending,
			}).Error).To(Succeed())

			c := capture
			c.PaymentID = "pay-9"
			p, err := svc.RecordCapture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.ID).To(Equal("pay-9"))
			Expect(*p.GatewayReference).To(Equal("pi_1"))
		})

		It("never downgrades a refunded row", func() {
			p, err := svc.RecordCapture(ctx, capture)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.ApplyRefund(ctx, payment.Refund{GatewayReference: "pi_1", AmountRefunded: 160000})
			Expect(err).NotTo(HaveOccurred())

			replayed, err := svc.RecordCapture(ctx, capture)
			Expect(err).NotTo(HaveOccurred())
			Expect(replayed.ID).To(Equal(p.ID))
			Expect(replayed.Status).To(Equal(paymentDatamodel.StatusRefunded))
		})

		It("rejects a capture it cannot attach to a booking", func() {
			c := capture
			c.BookingID = ""
			_, err := svc.RecordCapture(ctx, c)
			Expect(internal.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("RecordFailure", func() {
		It("reports no money moved for a pending row", func() {
			Expect(db.Create(&paymentDatamodel.Payment{
				ID: "pay-2", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment, Amount: 50000,
				Status: paymentDatamodel.StatusPending, GatewayReference: strPtr("pi_2"),
			}).Error).To(Succeed())

			p, moved, err := svc.RecordFailure(ctx, payment.Failure{
				GatewayReference: "pi_2", Status: paymentDatamodel.StatusCancelled,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(moved).To(BeFalse())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusCancelled))
		})

		It("reports money moved after a partial capture", func() {
			Expect(db.Create(&paymentDatamodel.Payment{
				ID: "pay-3", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment, Amount: 50000,
				Status: paymentDatamodel.StatusProcessing, GatewayReference: strPtr("pi_3"),
			}).Error).To(Succeed())

			p, moved, err := svc.RecordFailure(ctx, payment.Failure{
				GatewayReference: "pi_3", Status: paymentDatamodel.StatusFailed,
				Reason: "card_declined", AmountReceived: 20000,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(moved).To(BeTrue())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(p.Amount).To(Equal(int64(20000)))
			Expect(*p.FailureReason).To(Equal("card_declined"))

			var stored paymentDatamodel.Payment
			Expect(db.First(&stored, "id = ?", "pay-3").Error).To(Succeed())
			Expect(stored.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(stored.Amount).To(Equal(int64(20000)))
			Expect(stored.GatewayMetadata).To(HaveKeyWithValue("amount_requested", BeNumerically("==", 50000)))

			result, err := svc.Settle(ctx, "bk-1", false, p.ID, p.Status)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Balance).To(Equal(int64(190000)))
		})

		It("ignores a failure delivered after the capture", func() {
			_, err := svc.RecordCapture(ctx, payment.Capture{
				BookingID: "bk-1", GatewayReference: "pi_late", Kind: paymentDatamodel.KindPayment,
				Amount: 210000, Currency: "usd",
			})
			Expect(err).NotTo(HaveOccurred())
			result, err := svc.Settle(ctx, "bk-1", true, "", paymentDatamodel.StatusCompleted)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Balance).To(BeZero())

			p, moved, err := svc.RecordFailure(ctx, payment.Failure{
				GatewayReference: "pi_late", Status: paymentDatamodel.StatusFailed, Reason: "card_declined",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(moved).To(BeFalse())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusCompleted))

			result, err = svc.Settle(ctx, "bk-1", false, p.ID, p.Status)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Balance).To(BeZero())
			Expect(result.BillingStatus).To(Equal(booking.BillingPaid))
		})

		It("returns the not-found sentinel for an unknown intent", func() {
			_, _, err := svc.RecordFailure(ctx, payment.Failure{GatewayReference: "pi_unknown"})
			Expect(err).To(BeIdenticalTo(internal.ErrPaymentNotFound))
		})
	})

	Describe("ApplyRefund", func() {
		BeforeEach(func() {
			Expect(db.Create(&paymentDatamodel.Payment{
				ID: "pay-4", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment, Amount: 100000,
				Status: paymentDatamodel.StatusCompleted, GatewayReference: strPtr("pi_4"), GatewayChargeID: strPtr("ch_4"),
			}).Error).To(Succeed())
		})

		It("marks a partial refund", func() {
			p, err := svc.ApplyRefund(ctx, payment.Refund{ChargeID: "ch_4", Amount: 100000, AmountRefunded: 25000})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusPartiallyRefunded))
			Expect(p.RefundedAt).NotTo(BeNil())
		})

		It("marks a full refund", func() {
			p, err := svc.ApplyRefund(ctx, payment.Refund{ChargeID: "ch_4", Amount: 100000, AmountRefunded: 100000})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusRefunded))
		})

		It("reports a refund with no matching charge", func() {
			_, err := svc.ApplyRefund(ctx, payment.Refund{ChargeID: "ch_missing", AmountRefunded: 100})
			Expect(err).To(BeIdenticalTo(internal.ErrPaymentNotFound))
		})
	})

	Describe("AnnotateDispute", func() {
		It("adds dispute metadata without touching status or amounts", func() {
			Expect(db.Create(&paymentDatamodel.Payment{
				ID: "pay-5", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment, Amount: 210000,
				Status: paymentDatamodel.StatusCompleted, GatewayChargeID: strPtr("ch_5"),
			}).Error).To(Succeed())

			p, err := svc.AnnotateDispute(ctx, payment.Dispute{ChargeID: "ch_5", DisputeID: "dp_1", Reason: "fraudulent", Amount: 210000})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(p.Amount).To(Equal(int64(210000)))

			var stored paymentDatamodel.Payment
			Expect(db.First(&stored, "id = ?", "pay-5").Error).To(Succeed())
			Expect(stored.GatewayMetadata).To(HaveKeyWithValue("dispute_id", "dp_1"))
			Expect(stored.GatewayMetadata).To(HaveKeyWithValue("dispute_reason", "fraudulent"))
			Expect(stored.AmountRefunded).To(BeZero())
		})
	})

	Describe("Settle", func() {
		It("marks a pending booking paid once a primary charge clears the balance", func() {
			_, err := svc.RecordCapture(ctx, payment.Capture{BookingID: "bk-1", GatewayReference: "pi_full", Amount: 210000})
			Expect(err).NotTo(HaveOccurred())

			result, err := svc.Settle(ctx, "bk-1", true, "pi_full", paymentDatamodel.StatusCompleted)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Balance).To(BeZero())
			Expect(result.BillingStatus).To(Equal(booking.BillingPaid))

			b, err := bookings.GetBooking(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Status).To(Equal(booking.StatusPaid))
		})

		It("leaves the status alone for a deposit", func() {
			_, err := svc.RecordCapture(ctx, payment.Capture{BookingID: "bk-1", GatewayReference: "pi_dep", Kind: paymentDatamodel.KindDeposit, Amount: 50000})
			Expect(err).NotTo(HaveOccurred())

			result, err := svc.Settle(ctx, "bk-1", false, "pi_dep", paymentDatamodel.StatusCompleted)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Balance).To(Equal(int64(210000)))

			b, err := bookings.GetBooking(ctx, "bk-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Status).To(Equal(booking.StatusPending))
		})

		It("fails with a data error for an unknown booking", func() {
			_, err := svc.Settle(ctx, "bk-missing", true, "", "")
			Expect(internal.IsDataError(err)).To(BeTrue())
		})
	})

	Describe("manual payments", func() {
		It("records, settles and attempts confirmation", func() {
			Expect(db.Create(&paymentDatamodel.Payment{
				ID: "pay-6", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment, Amount: 160000,
				Status: paymentDatamodel.StatusCompleted, GatewayReference: strPtr("pi_6"),
			}).Error).To(Succeed())

			resp, err := svc.RecordManualPayment(ctx, "bk-1", payment.ManualPaymentRequest{
				Amount: 50000, Method: payment.MethodCheck, ReceivedAt: "2026-10-02",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Balance.Balance).To(BeZero())
			Expect(resp.Balance.BillingStatus).To(Equal(booking.BillingPaid))
			Expect(resp.Confirmation).NotTo(BeNil())
			Expect(confirmer.calls).To(Equal([]string{"bk-1"}))
			Expect(auditLog.actions()).To(ContainElement(payment.ActionManualRecorded))

			var stored paymentDatamodel.ManualPayment
			Expect(db.First(&stored, "id = ?", resp.PaymentID).Error).To(Succeed())
			Expect(stored.RecordedBy).To(Equal("office-7"))
			Expect(stored.Currency).To(Equal("usd"))
		})

		It("still reports the settlement when confirmation fails", func() {
			confirmer.err = internal.NewConfigurationError("notifier missing")
			resp, err := svc.RecordManualPayment(ctx, "bk-1", payment.ManualPaymentRequest{Amount: 1000, Method: payment.MethodCash})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Confirmation).To(BeNil())
			Expect(resp.Balance.Balance).To(Equal(int64(209000)))
		})

		It("rejects an invalid request before touching storage", func() {
			_, err := svc.RecordManualPayment(ctx, "bk-1", payment.ManualPaymentRequest{Amount: -5, Method: "barter"})
			Expect(internal.IsValidationError(err)).To(BeTrue())
			appErr, _ := internal.IsAppError(err)
			details, ok := appErr.Details.(internal.ValidationErrors)
			Expect(ok).To(BeTrue())
			Expect(details.Errors).To(ContainElement(HaveField("Code", string(internal.ErrCodeInvalidAmount))))

			_, err = svc.RecordManualPayment(ctx, "bk 1", payment.ManualPaymentRequest{Amount: 1000, Method: payment.MethodCash})
			appErr, ok = internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeInvalidBookingID))

			var count int64
			Expect(db.Model(&paymentDatamodel.ManualPayment{}).Count(&count).Error).To(Succeed())
			Expect(count).To(BeZero())
		})

		It("rejects a payment for an unknown booking", func() {
			_, err := svc.RecordManualPayment(ctx, "bk-missing", payment.ManualPaymentRequest{Amount: 1000, Method: payment.MethodCash})
			Expect(err).To(BeIdenticalTo(internal.ErrBookingNotFound))
		})

		It("voids an entry and restores the balance", func() {
			resp, err := svc.RecordManualPayment(ctx, "bk-1", payment.ManualPaymentRequest{Amount: 10000, Method: payment.MethodCash})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Balance.Balance).To(Equal(int64(200000)))

			voided, err := svc.VoidManualPayment(ctx, "bk-1", resp.PaymentID)
			Expect(err).NotTo(HaveOccurred())
			Expect(voided.Balance.Balance).To(Equal(int64(210000)))
			Expect(voided.Balance.BillingStatus).To(Equal(booking.BillingUnpaid))
			Expect(auditLog.actions()).To(ContainElement(payment.ActionManualVoided))

			_, err = svc.VoidManualPayment(ctx, "bk-1", resp.PaymentID)
			Expect(err).To(BeIdenticalTo(internal.ErrPaymentNotFound))
		})
	})
})

func strPtr(s string) *string { return &s }
