package audit_test

import (
	"context"
	"encoding/json"

	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/audit/postgres"
	auditDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/audit"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const schema = `
CREATE TABLE audit_log (
	id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	severity TEXT NOT NULL,
	new_values TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

var _ = Describe("Service", func() {
	var (
		db      *sqlx.DB
		service *audit.Service
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		db, err = sqlx.Connect("sqlite3", ":memory:")
		Expect(err).NotTo(HaveOccurred())
		db.SetMaxOpenConns(1)
		_, err = db.Exec(schema)
		Expect(err).NotTo(HaveOccurred())

		service = audit.NewService(postgres.NewAuditRepository(db), logger.Discard())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("stores entries keyed by the gateway object id", func() {
		err := service.Record(ctx, audit.Record{
			TableName: "payments",
			RecordID:  "pi_123",
			Action:    "payment_intent.succeeded",
			Actor:     "system:webhook",
			NewValues: map[string]interface{}{"status": "completed", "amount": 160000},
		})
		Expect(err).NotTo(HaveOccurred())

		entries, err := service.History(ctx, "pi_123")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Severity).To(Equal(auditDatamodel.SeverityInfo))
		Expect(entries[0].Actor).To(Equal("system:webhook"))
		Expect(entries[0].CreatedAt.IsZero()).To(BeFalse())

		var values map[string]interface{}
		Expect(json.Unmarshal([]byte(entries[0].NewValues), &values)).To(Succeed())
		Expect(values).To(HaveKeyWithValue("status", "completed"))
	})

	It("keeps high severity entries", func() {
		Expect(service.Record(ctx, audit.Record{
			TableName: "payments",
			RecordID:  "dp_1",
			Action:    "charge.dispute.created",
			Actor:     "system:webhook",
			Severity:  auditDatamodel.SeverityHigh,
		})).To(Succeed())

		entries, err := service.History(ctx, "dp_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries[0].Severity).To(Equal(auditDatamodel.SeverityHigh))
		Expect(entries[0].NewValues).To(Equal("{}"))
	})

	It("refuses entries without a record id", func() {
		Expect(service.Record(ctx, audit.Record{Action: "charge.refunded"})).NotTo(Succeed())
	})
})
