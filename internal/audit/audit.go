// Package audit keeps an append-only trail of money-affecting writes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	auditDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/audit"
	"github.com/google/uuid"
)

type RepositoryAPI interface {
	Insert(ctx context.Context, entry *auditDatamodel.Entry) error
	ListByRecord(ctx context.Context, recordID string) ([]auditDatamodel.Entry, error)
}

type Writer interface {
	Record(ctx context.Context, rec Record) error
}

type Record struct {
	TableName string
	RecordID  string
	Action    string
	Actor     string
	Severity  string
	NewValues map[string]interface{}
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Record(ctx context.Context, rec Record) error {
	if rec.RecordID == "" || rec.Action == "" {
		return fmt.Errorf("audit record needs a record id and an action")
	}

	severity := rec.Severity
	if severity == "" {
		severity = auditDatamodel.SeverityInfo
	}

	values := "{}"
	if len(rec.NewValues) > 0 {
		b, err := json.Marshal(rec.NewValues)
		if err != nil {
			return fmt.Errorf("marshal audit values: %w", err)
		}
		values = string(b)
	}

	entry := &auditDatamodel.Entry{
		ID:        uuid.NewString(),
		TableName: rec.TableName,
		RecordID:  rec.RecordID,
		Action:    rec.Action,
		Actor:     rec.Actor,
		Severity:  severity,
		NewValues: values,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry", "error", err, "record_id", rec.RecordID, "action", rec.Action)
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if severity == auditDatamodel.SeverityHigh {
		s.logger.Warn("high severity audit entry", "record_id", rec.RecordID, "action", rec.Action, "table", rec.TableName)
	}
	return nil
}

func (s *Service) History(ctx context.Context, recordID string) ([]auditDatamodel.Entry, error) {
	return s.repo.ListByRecord(ctx, recordID)
}
