package fulfillment

import (
	"context"
	"log/slog"

	"github.com/frahmantamala/rental-fulfillment/internal/balance"
)

type SweepLister interface {
	ListSweepCandidates(ctx context.Context, limit int) ([]string, error)
}

type BalanceReconciler interface {
	Recalculate(ctx context.Context, bookingID string) (*balance.Result, error)
}

type Confirmer interface {
	ConfirmAutomatically(ctx context.Context, bookingID string) (*Result, error)
}

type SweepReport struct {
	Checked          int `json:"checked"`
	Confirmed        int `json:"confirmed"`
	AlreadyConfirmed int `json:"already_confirmed"`
	NotReady         int `json:"not_ready"`
	Failed           int `json:"failed"`
}

// Sweeper is the periodic safety net: it recomputes balances and retries
// confirmation, which also re-fires completion emails that failed earlier.
type Sweeper struct {
	lister     SweepLister
	reconciler BalanceReconciler
	confirmer  Confirmer
	logger     *slog.Logger
}

func NewSweeper(lister SweepLister, reconciler BalanceReconciler, confirmer Confirmer, logger *slog.Logger) *Sweeper {
	return &Sweeper{lister: lister, reconciler: reconciler, confirmer: confirmer, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context, limit int) (SweepReport, error) {
	ids, err := s.lister.ListSweepCandidates(ctx, limit)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		s.tally(ctx, &report, id)
	}

	s.logger.InfoContext(ctx, "sweep finished",
		"checked", report.Checked,
		"confirmed", report.Confirmed,
		"already_confirmed", report.AlreadyConfirmed,
		"not_ready", report.NotReady,
		"failed", report.Failed)
	return report, nil
}

func (s *Sweeper) RunOne(ctx context.Context, bookingID string) (*Result, error) {
	if _, err := s.reconciler.Recalculate(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.confirmer.ConfirmAutomatically(ctx, bookingID)
}

func (s *Sweeper) tally(ctx context.Context, report *SweepReport, id string) {
	report.Checked++

	result, err := s.RunOne(ctx, id)
	switch {
	case err != nil:
		report.Failed++
		s.logger.ErrorContext(ctx, "sweep failed for booking", "booking_id", id, "error", err)
	case result.AlreadyConfirmed:
		report.AlreadyConfirmed++
	case result.Success:
		report.Confirmed++
	default:
		report.NotReady++
	}
}
