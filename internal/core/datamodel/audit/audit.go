package audit

import "time"

const (
	SeverityInfo = "info"
	SeverityHigh = "high"
)

// Entry is an append-only audit row. RecordID holds the gateway object id for
// webhook-originated rows so an investigation never needs the raw event.
type Entry struct {
	ID        string    `db:"id"`
	TableName string    `db:"table_name"`
	RecordID  string    `db:"record_id"`
	Action    string    `db:"action"`
	Actor     string    `db:"actor"`
	Severity  string    `db:"severity"`
	NewValues string    `db:"new_values"`
	CreatedAt time.Time `db:"created_at"`
}
