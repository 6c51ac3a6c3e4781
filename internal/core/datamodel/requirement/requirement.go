package requirement

import "time"

const (
	ContractStatusDraft     = "draft"
	ContractStatusSent      = "sent"
	ContractStatusSigned    = "signed"
	ContractStatusCompleted = "completed"
)

const (
	DocumentStatusPending  = "pending"
	DocumentStatusApproved = "approved"
	DocumentStatusRejected = "rejected"
)

type Contract struct {
	ID        string     `gorm:"column:id;primaryKey"`
	BookingID string     `gorm:"column:booking_id;not null;index"`
	Status    string     `gorm:"column:status;not null"`
	SignedAt  *time.Time `gorm:"column:signed_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (Contract) TableName() string {
	return "contracts"
}

type InsuranceDocument struct {
	ID        string    `gorm:"column:id;primaryKey"`
	BookingID string    `gorm:"column:booking_id;not null;index"`
	Status    string    `gorm:"column:status;not null"`
	FileName  string    `gorm:"column:file_name"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (InsuranceDocument) TableName() string {
	return "insurance_documents"
}

type IDVerificationRequest struct {
	ID         string     `gorm:"column:id;primaryKey"`
	BookingID  string     `gorm:"column:booking_id;not null;index"`
	CustomerID string     `gorm:"column:customer_id;not null"`
	Status     string     `gorm:"column:status;not null"`
	ReviewedAt *time.Time `gorm:"column:reviewed_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
}

func (IDVerificationRequest) TableName() string {
	return "id_verification_requests"
}
