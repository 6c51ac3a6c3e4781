package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	balancepg "github.com/frahmantamala/rental-fulfillment/internal/balance/postgres"
	bookingpg "github.com/frahmantamala/rental-fulfillment/internal/booking/postgres"
	auditDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	paymentDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/payment"
	paymentpg "github.com/frahmantamala/rental-fulfillment/internal/payment/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/webhook"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const secret = "whsec_test_secret"

type recordingAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *recordingAudit) Record(_ context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAudit) all() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.records...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEvents) Publish(_ context.Context, event events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEvents) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

type countingConfirmer struct {
	mu     sync.Mutex
	calls  int
	actors []string
}

func (c *countingConfirmer) ConfirmAutomatically(ctx context.Context, bookingID string) (*fulfillment.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.actors = append(c.actors, internal.ActorFromContext(ctx))
	return &fulfillment.Result{Success: true, BookingID: bookingID}, nil
}

func signed(eventID, eventType string, object map[string]interface{}) ([]byte, string) {
	payload, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	})
	Expect(err).NotTo(HaveOccurred())
	sp := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func intentObject(id string, amount int64, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"object":               "payment_intent",
		"amount":               amount,
		"amount_received":      amount,
		"currency":             "usd",
		"status":               "succeeded",
		"latest_charge":        "ch_" + id,
		"payment_method_types": []string{"card"},
		"metadata":             metadata,
	}
}

var _ = Describe("Processor", func() {
	var (
		db        *gorm.DB
		ctx       context.Context
		processor *webhook.Processor
		auditLog  *recordingAudit
		bus       *recordingEvents
		confirmer *countingConfirmer
		bookings  *bookingpg.BookingRepository
	)

	BeforeEach(func() {
		dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		var err error
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.AutoMigrate(&booking.Booking{}, &paymentDatamodel.Payment{}, &paymentDatamodel.ManualPayment{})).To(Succeed())

		start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
		Expect(db.Create(&booking.Booking{
			ID: "bk-1", BookingNumber: "BK-1", EquipmentID: "eq-1", CustomerID: "cus-1",
			StartDate: start, EndDate: start.AddDate(0, 0, 3),
			TotalAmount: 210000, BalanceAmount: 210000, BillingStatus: booking.BillingUnpaid,
			Currency: "usd", Status: booking.StatusPending,
		}).Error).To(Succeed())
		Expect(db.Create(&paymentDatamodel.ManualPayment{
			ID: "mp-1", BookingID: "bk-1", Amount: 50000, Currency: "usd",
			Status: paymentDatamodel.StatusCompleted, Method: "check", ReceivedAt: "2026-10-01",
		}).Error).To(Succeed())

		ctx = context.Background()
		log := logger.Discard()
		auditLog = &recordingAudit{}
		bus = &recordingEvents{}
		confirmer = &countingConfirmer{}
		bookings = bookingpg.NewBookingRepository(db)

		payments := payment.NewService(payment.Dependencies{
			Repo:       paymentpg.NewPaymentRepository(db),
			Reconciler: balance.NewReconciler(balancepg.NewStore(db, log), log),
			Bookings:   bookings,
			Confirmer:  confirmer,
			Events:     bus,
			Logger:     log,
		})
		processor, err = webhook.NewProcessor(webhook.Config{SigningSecret: secret}, payments, auditLog, bus, log)
		Expect(err).NotTo(HaveOccurred())
	})

	paymentCount := func() int64 {
		var n int64
		Expect(db.Model(&paymentDatamodel.Payment{}).Count(&n).Error).To(Succeed())
		return n
	}

	loadBooking := func() *booking.Booking {
		b, err := bookings.GetBooking(ctx, "bk-1")
		Expect(err).NotTo(HaveOccurred())
		return b
	}

	It("refuses construction without a signing secret", func() {
		_, err := webhook.NewProcessor(webhook.Config{}, nil, nil, nil, logger.Discard())
		Expect(internal.IsConfigurationError(err)).To(BeTrue())
	})

	It("rejects a bad signature before touching the ledger", func() {
		payload, _ := signed("evt_1", webhook.EventPaymentIntentSucceeded, intentObject("pi_1", 160000, map[string]string{"bookingId": "bk-1"}))
		out := processor.Handle(ctx, payload, "t=1,v1=deadbeef")

		Expect(out.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(out.Error).To(BeIdenticalTo(internal.ErrInvalidSignature))
		Expect(paymentCount()).To(BeZero())
		Expect(auditLog.all()).To(BeEmpty())
	})

	It("rejects a body altered after signing", func() {
		payload, header := signed("evt_1", webhook.EventPaymentIntentSucceeded, intentObject("pi_1", 160000, map[string]string{"bookingId": "bk-1"}))
		tampered := bytes.Replace(payload, []byte("160000"), []byte("999999"), 1)

		out := processor.Handle(ctx, tampered, header)
		Expect(out.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("is safe to replay a payment_intent.succeeded", func() {
		payload, header := signed("evt_1", webhook.EventPaymentIntentSucceeded,
			intentObject("pi_1", 160000, map[string]string{"bookingId": "bk-1", "paymentType": "payment"}))

		for i := 0; i < 2; i++ {
			out := processor.Handle(ctx, payload, header)
			Expect(out.StatusCode).To(Equal(http.StatusOK))
			Expect(out.Handled).To(BeTrue())
		}

		Expect(paymentCount()).To(Equal(int64(1)))
		var p paymentDatamodel.Payment
		Expect(db.First(&p, "gateway_reference = ?", "pi_1").Error).To(Succeed())
		Expect(p.Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(*p.GatewayChargeID).To(Equal("ch_pi_1"))

		b := loadBooking()
		Expect(b.BalanceAmount).To(BeZero())
		Expect(b.BillingStatus).To(Equal(booking.BillingPaid))
		Expect(b.Status).To(Equal(booking.StatusPaid))
		Expect(confirmer.calls).To(BeNumerically(">=", 1))
		Expect(confirmer.actors).To(HaveEach(auth.WebhookServiceID))

		records := auditLog.all()
		Expect(records).To(HaveLen(2))
		Expect(records[0].RecordID).To(Equal("pi_1"))
		Expect(records[0].Actor).To(Equal(auth.WebhookServiceID))
		Expect(records[0].Action).To(Equal(webhook.EventPaymentIntentSucceeded))
	})

	It("serializes concurrent deliveries for one booking", func() {
		sessionPayload, sessionHeader := signed("evt_cs", webhook.EventCheckoutSessionCompleted, map[string]interface{}{
			"id":             "cs_1",
			"object":         "checkout.session",
			"amount_total":   160000,
			"currency":       "usd",
			"payment_intent": "pi_1",
			"payment_status": "paid",
			"metadata":       map[string]string{"bookingId": "bk-1", "paymentType": "payment"},
		})
		intentPayload, intentHeader := signed("evt_pi", webhook.EventPaymentIntentSucceeded,
			intentObject("pi_1", 160000, map[string]string{"bookingId": "bk-1", "paymentType": "payment"}))

		var wg sync.WaitGroup
		for _, d := range []struct{ payload []byte; header string }{{sessionPayload, sessionHeader}, {intentPayload, intentHeader}} {
			wg.Add(1)
			go func(payload []byte, header string) {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(processor.Handle(ctx, payload, header).StatusCode).To(Equal(http.StatusOK))
			}(d.payload, d.header)
		}
		wg.Wait()

		Expect(paymentCount()).To(Equal(int64(1)))
		Expect(loadBooking().BalanceAmount).To(BeZero())
	})

	It("does not flip a booking to paid for a deposit", func() {
		payload, header := signed("evt_dep", webhook.EventPaymentIntentSucceeded,
			intentObject("pi_dep", 160000, map[string]string{"bookingId": "bk-1", "paymentType": "deposit"}))

		Expect(processor.Handle(ctx, payload, header).StatusCode).To(Equal(http.StatusOK))
		b := loadBooking()
		Expect(b.Status).To(Equal(booking.StatusPending))
		Expect(b.BalanceAmount).To(Equal(int64(160000)))
		Expect(confirmer.calls).To(BeZero())
	})

	It("acknowledges event types it does not handle", func() {
		payload, header := signed("evt_x", "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})
		out := processor.Handle(ctx, payload, header)

		Expect(out.StatusCode).To(Equal(http.StatusOK))
		Expect(out.Handled).To(BeFalse())
		Expect(auditLog.all()).To(BeEmpty())
	})

	It("acknowledges a refund with no matching charge and audits it", func() {
		payload, header := signed("evt_r", webhook.EventChargeRefunded, map[string]interface{}{
			"id": "ch_unknown", "object": "charge", "amount": 5000, "amount_refunded": 5000,
		})
		out := processor.Handle(ctx, payload, header)

		Expect(out.StatusCode).To(Equal(http.StatusOK))
		records := auditLog.all()
		Expect(records).To(HaveLen(1))
		Expect(records[0].RecordID).To(Equal("ch_unknown"))
		Expect(records[0].NewValues).To(HaveKeyWithValue("matched", false))
	})

	Context("with a completed gateway payment", func() {
		BeforeEach(func() {
			payload, header := signed("evt_1", webhook.EventPaymentIntentSucceeded,
				intentObject("pi_1", 160000, map[string]string{"bookingId": "bk-1", "paymentType": "payment"}))
			Expect(processor.Handle(ctx, payload, header).StatusCode).To(Equal(http.StatusOK))
		})

		It("applies a partial refund and recomputes the balance", func() {
			payload, header := signed("evt_r", webhook.EventChargeRefunded, map[string]interface{}{
				"id": "ch_pi_1", "object": "charge", "amount": 160000, "amount_refunded": 40000, "payment_intent": "pi_1",
			})
			Expect(processor.Handle(ctx, payload, header).StatusCode).To(Equal(http.StatusOK))

			var p paymentDatamodel.Payment
			Expect(db.First(&p, "gateway_reference = ?", "pi_1").Error).To(Succeed())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusPartiallyRefunded))
			Expect(p.AmountRefunded).To(Equal(int64(40000)))

			b := loadBooking()
			Expect(b.BalanceAmount).To(Equal(int64(40000)))
			Expect(b.BillingStatus).To(Equal(booking.BillingPartiallyPaid))
		})

		It("keeps the balance when a failure for the same intent arrives late", func() {
			payload, header := signed("evt_f", webhook.EventPaymentIntentFailed, map[string]interface{}{
				"id": "pi_1", "object": "payment_intent", "amount": 160000, "amount_received": 0,
				"status":             "requires_payment_method",
				"metadata":           map[string]string{"bookingId": "bk-1", "paymentType": "payment"},
				"last_payment_error": map[string]interface{}{"message": "Your card was declined."},
			})
			out := processor.Handle(ctx, payload, header)
			Expect(out.StatusCode).To(Equal(http.StatusOK))
			Expect(out.Handled).To(BeTrue())

			var p paymentDatamodel.Payment
			Expect(db.First(&p, "gateway_reference = ?", "pi_1").Error).To(Succeed())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusCompleted))

			b := loadBooking()
			Expect(b.BalanceAmount).To(BeZero())
			Expect(b.BillingStatus).To(Equal(booking.BillingPaid))

			records := auditLog.all()
			last := records[len(records)-1]
			Expect(last.Action).To(Equal(webhook.EventPaymentIntentFailed))
			Expect(last.NewValues).To(HaveKeyWithValue("reported_status", paymentDatamodel.StatusFailed))
		})

		It("records a dispute without moving money", func() {
			before := loadBooking()
			reconciled := bus.count(events.EventTypePaymentReconciled)

			payload, header := signed("evt_d", webhook.EventChargeDisputeCreated, map[string]interface{}{
				"id": "dp_1", "object": "dispute", "amount": 160000, "charge": "ch_pi_1",
				"payment_intent": "pi_1", "reason": "fraudulent", "status": "needs_response",
			})
			Expect(processor.Handle(ctx, payload, header).StatusCode).To(Equal(http.StatusOK))

			after := loadBooking()
			Expect(after.BalanceAmount).To(Equal(before.BalanceAmount))
			Expect(after.BillingStatus).To(Equal(before.BillingStatus))
			Expect(bus.count(events.EventTypePaymentReconciled)).To(Equal(reconciled))
			Expect(bus.count(events.EventTypePaymentDisputed)).To(Equal(1))

			var p paymentDatamodel.Payment
			Expect(db.First(&p, "gateway_reference = ?", "pi_1").Error).To(Succeed())
			Expect(p.Status).To(Equal(paymentDatamodel.StatusCompleted))
			Expect(p.GatewayMetadata).To(HaveKeyWithValue("dispute_id", "dp_1"))

			records := auditLog.all()
			last := records[len(records)-1]
			Expect(last.RecordID).To(Equal("dp_1"))
			Expect(last.Severity).To(Equal(auditDatamodel.SeverityHigh))
		})
	})

	It("cancels a pending payment without recomputing", func() {
		Expect(db.Create(&paymentDatamodel.Payment{
			ID: "pay-c", BookingID: "bk-1", Kind: paymentDatamodel.KindPayment, Amount: 160000,
			Status: paymentDatamodel.StatusPending, GatewayReference: strPtr("pi_c"),
		}).Error).To(Succeed())

		payload, header := signed("evt_c", webhook.EventPaymentIntentCanceled, map[string]interface{}{
			"id": "pi_c", "object": "payment_intent", "amount": 160000, "amount_received": 0,
			"status": "canceled", "cancellation_reason": "abandoned",
		})
		Expect(processor.Handle(ctx, payload, header).StatusCode).To(Equal(http.StatusOK))

		var p paymentDatamodel.Payment
		Expect(db.First(&p, "id = ?", "pay-c").Error).To(Succeed())
		Expect(p.Status).To(Equal(paymentDatamodel.StatusCancelled))
		Expect(*p.FailureReason).To(Equal("abandoned"))
		Expect(bus.count(events.EventTypePaymentReconciled)).To(BeZero())
		Expect(loadBooking().BalanceAmount).To(Equal(int64(210000)))
	})
})

var _ = Describe("Handler", func() {
	It("returns 400 with the error body for a rejected signature", func() {
		processor, err := webhook.NewProcessor(webhook.Config{SigningSecret: secret}, nil, nil, nil, logger.Discard())
		Expect(err).NotTo(HaveOccurred())
		h := webhook.NewHandler(processor, logger.Discard())

		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
		req.Header.Set(webhook.SignatureHeader, "t=1,v1=bad")
		rec := httptest.NewRecorder()
		h.HandleStripe(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring(string(internal.ErrCodeInvalidSignature)))
	})

	It("acknowledges a verified event", func() {
		processor, err := webhook.NewProcessor(webhook.Config{SigningSecret: secret}, nil, nil, nil, logger.Discard())
		Expect(err).NotTo(HaveOccurred())
		h := webhook.NewHandler(processor, logger.Discard())

		payload, header := signed("evt_ok", "invoice.created", map[string]interface{}{"id": "in_1", "object": "invoice"})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set(webhook.SignatureHeader, header)
		rec := httptest.NewRecorder()
		h.HandleStripe(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var out webhook.Outcome
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		Expect(out.Received).To(BeTrue())
		Expect(out.EventID).To(Equal("evt_ok"))
	})
})

func strPtr(s string) *string { return &s }
