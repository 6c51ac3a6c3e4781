package payment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	StatusPending           = "pending"
	StatusProcessing        = "processing"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusCancelled         = "cancelled"
	StatusRefunded          = "refunded"
	StatusPartiallyRefunded = "partially_refunded"
)

const (
	KindPayment = "payment"
	KindDeposit = "deposit"
)

const (
	SourceGateway = "gateway"
	SourceManual  = "manual"
)

// Payment is a gateway-sourced charge. GatewayReference holds the payment
// intent id and is the idempotency key for webhook upserts.
type Payment struct {
	ID               string     `gorm:"column:id;primaryKey"`
	BookingID        string     `gorm:"column:booking_id;not null;index"`
	Kind             string     `gorm:"column:kind;not null;default:payment"`
	Amount           int64      `gorm:"column:amount;not null"`
	Currency         string     `gorm:"column:currency;not null;default:usd"`
	Status           string     `gorm:"column:status;not null;default:pending"`
	Method           *string    `gorm:"column:method"`
	AmountRefunded   int64      `gorm:"column:amount_refunded;not null;default:0"`
	ProcessedAt      *time.Time `gorm:"column:processed_at"`
	RefundedAt       *time.Time `gorm:"column:refunded_at"`
	GatewayReference *string    `gorm:"column:gateway_reference;uniqueIndex"`
	GatewayChargeID  *string    `gorm:"column:gateway_charge_id;index"`
	GatewayMetadata  Metadata   `gorm:"column:gateway_metadata;type:jsonb"`
	FailureReason    *string    `gorm:"column:failure_reason"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// ManualPayment is recorded by office staff. ReceivedAt keeps the date as it
// was typed, so it may not parse.
type ManualPayment struct {
	ID             string         `gorm:"column:id;primaryKey"`
	BookingID      string         `gorm:"column:booking_id;not null;index"`
	Amount         int64          `gorm:"column:amount;not null"`
	Currency       string         `gorm:"column:currency;not null;default:usd"`
	Status         string         `gorm:"column:status;not null;default:completed"`
	Method         string         `gorm:"column:method;not null"`
	AmountRefunded int64          `gorm:"column:amount_refunded;not null;default:0"`
	ReceivedAt     string         `gorm:"column:received_at"`
	Reference      *string        `gorm:"column:reference"`
	Notes          *string        `gorm:"column:notes"`
	RecordedBy     string         `gorm:"column:recorded_by"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (ManualPayment) TableName() string {
	return "manual_payments"
}

// Metadata is a JSON object column.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}

	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}

	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	*m = out
	return nil
}

// Merge returns a copy of m with the given keys set.
func (m Metadata) Merge(values map[string]interface{}) Metadata {
	out := make(Metadata, len(m)+len(values))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range values {
		out[k] = v
	}
	return out
}
