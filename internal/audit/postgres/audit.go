package postgres

import (
	"context"

	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	auditDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/audit"
	"github.com/jmoiron/sqlx"
)

type AuditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) audit.RepositoryAPI {
	return &AuditRepository{db: db}
}

const insertEntry = `
INSERT INTO audit_log (id, table_name, record_id, action, actor, severity, new_values, created_at)
VALUES (:id, :table_name, :record_id, :action, :actor, :severity, :new_values, :created_at)`

func (r *AuditRepository) Insert(ctx context.Context, entry *auditDatamodel.Entry) error {
	_, err := r.db.NamedExecContext(ctx, insertEntry, entry)
	return err
}

func (r *AuditRepository) ListByRecord(ctx context.Context, recordID string) ([]auditDatamodel.Entry, error) {
	var entries []auditDatamodel.Entry
	query := r.db.Rebind(`
SELECT id, table_name, record_id, action, actor, severity, new_values, created_at
FROM audit_log
WHERE record_id = ?
ORDER BY created_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &entries, query, recordID); err != nil {
		return nil, err
	}
	return entries, nil
}
