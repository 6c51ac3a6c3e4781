package booking

import "time"

// Lifecycle statuses. Only pending -> confirmed is driven by fulfillment.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusPaid      = "paid"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Billing statuses are derived from the ledger and never set by hand.
const (
	BillingUnpaid        = "unpaid"
	BillingPartiallyPaid = "partially_paid"
	BillingPaid          = "paid"
	BillingOverpaid      = "overpaid"
)

// Booking amounts are stored in minor currency units.
type Booking struct {
	ID                    string     `gorm:"column:id;primaryKey"`
	BookingNumber         string     `gorm:"column:booking_number;not null;uniqueIndex"`
	EquipmentID           string     `gorm:"column:equipment_id;not null;index"`
	CustomerID            string     `gorm:"column:customer_id;not null;index"`
	StartDate             time.Time  `gorm:"column:start_date;not null"`
	EndDate               time.Time  `gorm:"column:end_date;not null"`
	Subtotal              int64      `gorm:"column:subtotal;not null"`
	Taxes                 int64      `gorm:"column:taxes;not null"`
	TotalAmount           int64      `gorm:"column:total_amount;not null"`
	BalanceAmount         int64      `gorm:"column:balance_amount;not null"`
	BillingStatus         string     `gorm:"column:billing_status;not null;default:unpaid"`
	Currency              string     `gorm:"column:currency;not null;default:usd"`
	Status                string     `gorm:"column:status;not null;default:pending;index"`
	DeliveryAddress       *string    `gorm:"column:delivery_address"`
	PaymentMethodRef      *string    `gorm:"column:payment_method_ref"`
	CompletionEmailSentAt *time.Time `gorm:"column:completion_email_sent_at"`
	CreatedAt             time.Time  `gorm:"column:created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at"`
}

func (Booking) TableName() string {
	return "bookings"
}

// Confirmable reports whether fulfillment may move the booking to confirmed.
func (b *Booking) Confirmable() bool {
	return b.Status == StatusPending || b.Status == StatusPaid
}

type Customer struct {
	ID                       string     `gorm:"column:id;primaryKey"`
	Email                    string     `gorm:"column:email;not null"`
	FirstName                *string    `gorm:"column:first_name"`
	LastName                 *string    `gorm:"column:last_name"`
	Phone                    *string    `gorm:"column:phone"`
	DriversLicenseVerifiedAt *time.Time `gorm:"column:drivers_license_verified_at"`
	CreatedAt                time.Time  `gorm:"column:created_at"`
	UpdatedAt                time.Time  `gorm:"column:updated_at"`
}

func (Customer) TableName() string {
	return "customers"
}

// DisplayName falls back to the mailbox name when no first name is stored.
func (c *Customer) DisplayName() string {
	if c.FirstName != nil && *c.FirstName != "" {
		return *c.FirstName
	}
	for i, r := range c.Email {
		if r == '@' {
			return c.Email[:i]
		}
	}
	return c.Email
}
