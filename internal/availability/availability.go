package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	availabilityDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/availability"
	"github.com/google/uuid"
)

type RepositoryAPI interface {
	FindForBooking(ctx context.Context, bookingID, reason string) (*availabilityDatamodel.Block, error)
	Create(ctx context.Context, block *availabilityDatamodel.Block) error
	ListForEquipment(ctx context.Context, equipmentID string, from, to time.Time) ([]*availabilityDatamodel.Block, error)
}

type BlockRequest struct {
	EquipmentID string
	StartAt     time.Time
	EndAt       time.Time
	Reason      string
	BookingID   string
	Notes       string
}

func (r BlockRequest) Validate() error {
	if r.EquipmentID == "" {
		return internal.NewValidationFieldError("equipment_id", "equipment id is required", internal.ErrCodeValidationFailed)
	}
	if r.StartAt.IsZero() || r.EndAt.IsZero() {
		return internal.NewValidationFieldError("date_range", "start and end are required", internal.ErrCodeValidationFailed)
	}
	if r.EndAt.Before(r.StartAt) {
		return internal.NewValidationFieldError("date_range", "end must not be before start", internal.ErrCodeValidationFailed)
	}
	if r.Reason == "" {
		return internal.NewValidationFieldError("reason", "reason is required", internal.ErrCodeValidationFailed)
	}
	return nil
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// CreateAvailabilityBlock reserves equipment for a date range. A second call
// for the same booking and reason returns the existing block.
func (s *Service) CreateAvailabilityBlock(ctx context.Context, req BlockRequest) (*availabilityDatamodel.Block, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.BookingID != "" {
		existing, err := s.repo.FindForBooking(ctx, req.BookingID, req.Reason)
		if err != nil {
			return nil, fmt.Errorf("failed to look up availability block: %w", err)
		}
		if existing != nil {
			s.logger.Debug("availability block already exists", "booking_id", req.BookingID, "block_id", existing.ID)
			return existing, nil
		}
	}

	block := &availabilityDatamodel.Block{
		ID:          uuid.NewString(),
		EquipmentID: req.EquipmentID,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Reason:      req.Reason,
		Notes:       req.Notes,
		BookingID:   req.BookingID,
		CreatedBy:   internal.ActorFromContext(ctx),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, block); err != nil {
		return nil, fmt.Errorf("failed to create availability block: %w", err)
	}

	s.logger.Info("availability block created",
		"block_id", block.ID,
		"equipment_id", block.EquipmentID,
		"booking_id", block.BookingID)
	return block, nil
}

func (s *Service) BlocksForEquipment(ctx context.Context, equipmentID string, from, to time.Time) ([]*availabilityDatamodel.Block, error) {
	return s.repo.ListForEquipment(ctx, equipmentID, from, to)
}
