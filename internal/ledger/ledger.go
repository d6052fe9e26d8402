// Package ledger provides an append-only history of dispatched service calls.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
)

// Status is the outcome of a service call
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry represents a single call in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	ContextID string         `json:"context_id"`
	Domain    string         `json:"domain"`
	Service   string         `json:"service"`
	Payload   map[string]any `json:"payload,omitempty"`
	Blocking  bool           `json:"blocking"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Ledger provides append-only service call logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a call outcome to the ledger
func (l *Ledger) Append(call *core.ServiceCall, blocking bool, callErr error) error {
	var payloadJSON []byte
	var err error

	if call.Data != nil {
		payloadJSON, err = json.Marshal(call.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	status := StatusCompleted
	var errText sql.NullString
	if callErr != nil {
		status = StatusFailed
		errText = sql.NullString{String: callErr.Error(), Valid: true}
	}

	_, err = l.db.Exec(`
		INSERT INTO service_ledger (context_id, domain, service, payload, blocking, status, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, call.ContextID, call.Domain, call.Service, string(payloadJSON), blocking, string(status), errText, time.Now().UTC().UnixMilli())

	return err
}

// RecordCall implements core.CallRecorder. Write failures are logged, never returned.
func (l *Ledger) RecordCall(call *core.ServiceCall, blocking bool, err error) {
	if appendErr := l.Append(call, blocking, err); appendErr != nil {
		log.Error().Err(appendErr).
			Str("domain", call.Domain).
			Str("service", call.Service).
			Msg("Failed to append service call to ledger")
	}
}

// Recent returns the newest entries first
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.Query(`
		SELECT id, context_id, domain, service, payload, blocking, status, error, timestamp
		FROM service_ledger
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// ByContext returns the entries for one call context
func (l *Ledger) ByContext(contextID string) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, context_id, domain, service, payload, blocking, status, error, timestamp
		FROM service_ledger
		WHERE context_id = ?
		ORDER BY id ASC
	`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM service_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, errText sql.NullString
		var status string
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.ContextID, &entry.Domain, &entry.Service,
			&payloadStr, &entry.Blocking, &status, &errText, &timestamp,
		)
		if err != nil {
			return nil, err
		}

		entry.Status = Status(status)
		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if errText.Valid {
			entry.Error = errText.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
