// Package ledger pools gateway and manual payment records for a booking into a
// single ordered sequence of source-agnostic entries.
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
)

// Entry is one unit of money movement, normalized across sources.
type Entry struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	Kind             string     `json:"kind"`
	Method           string     `json:"method,omitempty"`
	Amount           int64      `json:"amount"`
	AmountRefunded   int64      `json:"amount_refunded"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	GatewayReference string     `json:"gateway_reference,omitempty"`
	IsCurrentPayment bool       `json:"is_current_payment"`
}

// Counts reports whether the entry's amount was taken (or is being taken)
// from the customer against the booking total.
func (e Entry) Counts() bool {
	if e.Kind == payment.KindDeposit {
		return false
	}
	switch e.Status {
	case payment.StatusCompleted, payment.StatusProcessing, payment.StatusPending,
		payment.StatusRefunded, payment.StatusPartiallyRefunded:
		return true
	}
	return false
}

// Source reads the raw payment rows. Soft-deleted manual rows must not be
// returned.
type Source interface {
	GatewayPayments(ctx context.Context, bookingID string) ([]payment.Payment, error)
	ManualPayments(ctx context.Context, bookingID string) ([]payment.ManualPayment, error)
}

type Reader struct {
	source Source
	logger *slog.Logger
}

func NewReader(source Source, logger *slog.Logger) *Reader {
	return &Reader{source: source, logger: logger}
}

var meaningfulStatuses = map[string]bool{
	payment.StatusPending:           true,
	payment.StatusProcessing:        true,
	payment.StatusCompleted:         true,
	payment.StatusRefunded:          true,
	payment.StatusPartiallyRefunded: true,
}

var receivedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// Read returns the booking's ledger ordered by time. Entries without a usable
// timestamp sort last. currentPaymentID only drives IsCurrentPayment.
func (r *Reader) Read(ctx context.Context, bookingID, currentPaymentID string) ([]Entry, error) {
	gateway, err := r.source.GatewayPayments(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	manual, err := r.source.ManualPayments(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(gateway)+len(manual))
	for _, p := range gateway {
		if !meaningfulStatuses[p.Status] {
			continue
		}
		entries = append(entries, r.fromGateway(p, bookingID))
	}
	for _, m := range manual {
		if !meaningfulStatuses[m.Status] || m.DeletedAt.Valid {
			continue
		}
		entries = append(entries, r.fromManual(m, bookingID))
	}

	for i := range entries {
		entries[i].IsCurrentPayment = currentPaymentID != "" && entries[i].ID == currentPaymentID
	}

	Sort(entries)
	return entries, nil
}

func (r *Reader) fromGateway(p payment.Payment, bookingID string) Entry {
	e := Entry{
		ID:             p.ID,
		Source:         payment.SourceGateway,
		Kind:           p.Kind,
		Amount:         p.Amount,
		AmountRefunded: p.AmountRefunded,
		Currency:       p.Currency,
		Status:         p.Status,
	}
	if e.Kind == "" {
		e.Kind = payment.KindPayment
	}
	if p.Method != nil {
		e.Method = *p.Method
	}
	if p.GatewayReference != nil {
		e.GatewayReference = *p.GatewayReference
	}

	switch {
	case p.ProcessedAt != nil && !p.ProcessedAt.IsZero():
		t := p.ProcessedAt.UTC()
		e.Timestamp = &t
	case !p.CreatedAt.IsZero():
		t := p.CreatedAt.UTC()
		e.Timestamp = &t
	default:
		r.logger.Warn("ledger entry has no timestamp",
			"booking_id", bookingID,
			"payment_id", p.ID,
			"source", payment.SourceGateway)
	}
	return e
}

func (r *Reader) fromManual(m payment.ManualPayment, bookingID string) Entry {
	e := Entry{
		ID:             m.ID,
		Source:         payment.SourceManual,
		Kind:           payment.KindPayment,
		Method:         m.Method,
		Amount:         m.Amount,
		AmountRefunded: m.AmountRefunded,
		Currency:       m.Currency,
		Status:         m.Status,
	}

	raw := strings.TrimSpace(m.ReceivedAt)
	if raw == "" {
		if !m.CreatedAt.IsZero() {
			t := m.CreatedAt.UTC()
			e.Timestamp = &t
		}
		return e
	}

	if t, ok := parseReceivedAt(raw); ok {
		e.Timestamp = &t
		return e
	}

	r.logger.Warn("unparsable manual payment date, ordering last",
		"booking_id", bookingID,
		"payment_id", m.ID,
		"received_at", m.ReceivedAt)
	return e
}

func parseReceivedAt(raw string) (time.Time, bool) {
	for _, layout := range receivedAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Sort orders entries by timestamp, undated entries last, ties broken by
// source then id so repeated reads give the same sequence.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Timestamp == nil && b.Timestamp != nil:
			return false
		case a.Timestamp != nil && b.Timestamp == nil:
			return true
		case a.Timestamp != nil && b.Timestamp != nil && !a.Timestamp.Equal(*b.Timestamp):
			return a.Timestamp.Before(*b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ID < b.ID
	})
}
