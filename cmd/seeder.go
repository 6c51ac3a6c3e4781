package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	balancepg "github.com/frahmantamala/rental-fulfillment/internal/balance/postgres"
	availabilityDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/availability"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	reqmodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/requirement"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	demoBookingID  = "bk-demo-2100"
	demoCustomerID = "cus-demo"
)

var clearData bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with a demo booking",
	Long: `Insert a $2,100 pending booking with its contract, insurance document,
approved ID verification and a $500 manual payment. A $1,600 gateway capture
for payment intent pi_demo_2100 then completes it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDatabaseConfig()
		if err != nil {
			return err
		}
		lg := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

		sqlDB, err := initDB(cfg.Database)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		gormDB, err := openGorm(sqlDB)
		if err != nil {
			return fmt.Errorf("failed to open gorm: %w", err)
		}

		ctx := context.Background()
		if err := seedDemo(ctx, gormDB, clearData, time.Now().UTC()); err != nil {
			return err
		}

		result, err := balance.NewReconciler(balancepg.NewStore(gormDB, lg), lg).Recalculate(ctx, demoBookingID)
		if err != nil {
			return fmt.Errorf("failed to recalculate demo balance: %w", err)
		}
		lg.Info("seeded demo booking",
			"booking_id", demoBookingID,
			"balance", result.Balance,
			"billing_status", result.BillingStatus)
		return nil
	},
}

func seedDemo(ctx context.Context, db *gorm.DB, clear bool, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if clear {
			for _, model := range []interface{}{
				&availabilityDatamodel.Block{},
				&payment.ManualPayment{},
				&payment.Payment{},
				&reqmodel.IDVerificationRequest{},
				&reqmodel.InsuranceDocument{},
				&reqmodel.Contract{},
			} {
				if err := tx.Unscoped().Where("booking_id = ?", demoBookingID).Delete(model).Error; err != nil {
					return fmt.Errorf("failed to clear demo rows: %w", err)
				}
			}
			if err := tx.Where("id = ?", demoBookingID).Delete(&booking.Booking{}).Error; err != nil {
				return fmt.Errorf("failed to clear demo booking: %w", err)
			}
		}

		firstName := "Dana"
		methodRef := "pm_card_visa"
		reference := "CHK-1042"
		verifiedAt := now.AddDate(0, 0, -30)
		signedAt := now.Add(-2 * time.Hour)

		rows := []interface{}{
			&booking.Customer{
				ID:                       demoCustomerID,
				Email:                    "dana@example.com",
				FirstName:                &firstName,
				DriversLicenseVerifiedAt: &verifiedAt,
			},
			&booking.Booking{
				ID:               demoBookingID,
				BookingNumber:    "BK-DEMO-2100",
				EquipmentID:      "excavator-3",
				CustomerID:       demoCustomerID,
				StartDate:        now.AddDate(0, 0, 7),
				EndDate:          now.AddDate(0, 0, 11),
				Subtotal:         194444,
				Taxes:            15556,
				TotalAmount:      210000,
				BalanceAmount:    210000,
				BillingStatus:    booking.BillingUnpaid,
				Currency:         "usd",
				Status:           booking.StatusPending,
				PaymentMethodRef: &methodRef,
			},
			&reqmodel.Contract{ID: "ct-demo", BookingID: demoBookingID, Status: reqmodel.ContractStatusSigned, SignedAt: &signedAt},
			&reqmodel.InsuranceDocument{ID: "ins-demo", BookingID: demoBookingID, Status: reqmodel.DocumentStatusPending, FileName: "certificate-of-insurance.pdf"},
			&reqmodel.IDVerificationRequest{ID: "idv-demo", BookingID: demoBookingID, CustomerID: demoCustomerID, Status: reqmodel.DocumentStatusApproved, ReviewedAt: &signedAt},
			&payment.ManualPayment{
				ID:         "mp-demo",
				BookingID:  demoBookingID,
				Amount:     50000,
				Currency:   "usd",
				Status:     payment.StatusCompleted,
				Method:     "check",
				ReceivedAt: now.AddDate(0, 0, -1).Format("2006-01-02"),
				Reference:  &reference,
				RecordedBy: "seed",
			},
		}

		for _, row := range rows {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
				return fmt.Errorf("failed to seed %T: %w", row, err)
			}
		}
		return nil
	})
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing demo data before seeding")
}
