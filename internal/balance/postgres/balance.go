package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/ledger"
	ledgerpg "github.com/frahmantamala/rental-fulfillment/internal/ledger/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// WithBookingLock selects the booking FOR UPDATE so concurrent recalculations
// of the same booking run one after another.
func (s *Store) WithBookingLock(ctx context.Context, bookingID string, fn func(tx balance.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b booking.Booking
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", bookingID).
			First(&b).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return balance.ErrBookingNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock booking: %w", err)
		}

		return fn(&lockedBooking{
			tx:      tx,
			booking: &b,
			reader:  ledger.NewReader(ledgerpg.NewSource(tx), s.logger),
		})
	})
}

type lockedBooking struct {
	tx      *gorm.DB
	booking *booking.Booking
	reader  *ledger.Reader
}

func (l *lockedBooking) Booking() *booking.Booking {
	return l.booking
}

func (l *lockedBooking) Ledger(ctx context.Context) ([]ledger.Entry, error) {
	return l.reader.Read(ctx, l.booking.ID, "")
}

func (l *lockedBooking) SaveBalance(ctx context.Context, amount int64, billingStatus string) error {
	err := l.tx.WithContext(ctx).
		Model(&booking.Booking{}).
		Where("id = ?", l.booking.ID).
		Updates(map[string]interface{}{
			"balance_amount": amount,
			"billing_status": billingStatus,
			"updated_at":     time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	l.booking.BalanceAmount = amount
	l.booking.BillingStatus = billingStatus
	return nil
}
