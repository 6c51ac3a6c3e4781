package availability

import "time"

const ReasonBooked = "booked"

type Block struct {
	ID          string    `gorm:"column:id;primaryKey"`
	EquipmentID string    `gorm:"column:equipment_id;not null;index"`
	StartAt     time.Time `gorm:"column:start_at;not null"`
	EndAt       time.Time `gorm:"column:end_at;not null"`
	Reason      string    `gorm:"column:reason;not null"`
	Notes       string    `gorm:"column:notes"`
	BookingID   string    `gorm:"column:booking_id;index"`
	CreatedBy   string    `gorm:"column:created_by"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (Block) TableName() string {
	return "availability_blocks"
}
