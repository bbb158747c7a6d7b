package historystore

import (
	"database/sql"
	"encoding/json"
	"time"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/model"
)

// appendEventTx appends an event within an already-open transaction. Every
// exported write path that mutates job/item state funnels its event
// through here so the state change and the event record never diverge.
func appendEventTx(tx *sql.Tx, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return apperr.Wrap("historystore.appendEventTx", err)
	}
	_, err = tx.Exec(`
		INSERT INTO events (job_id, timestamp, type, payload_blob)
		VALUES (?, ?, ?, ?)
	`, ev.JobID, ev.Timestamp, string(ev.Type), string(payload))
	return apperr.Wrap("historystore.appendEventTx", err)
}

// AppendEvent appends a standalone event outside of a job-state mutation,
// e.g. a LOG event not tied to any field change.
func (s *Store) AppendEvent(ev model.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return apperr.Wrap("historystore.AppendEvent", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// EventsSince returns events for jobID with id > afterID, oldest first.
// Used by API consumers resuming an event stream after a reconnect.
func (s *Store) EventsSince(jobID string, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.conn.Query(`
		SELECT id, job_id, timestamp, type, COALESCE(payload_blob, '{}')
		FROM events
		WHERE job_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, jobID, afterID, limit)
	if err != nil {
		return nil, apperr.Wrap("historystore.EventsSince", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			ev          model.Event
			payloadBlob string
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Timestamp, &ev.Type, &payloadBlob); err != nil {
			return nil, apperr.Wrap("historystore.EventsSince", err)
		}
		_ = json.Unmarshal([]byte(payloadBlob), &ev.Payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListEvents returns every event recorded for a job, oldest first.
func (s *Store) ListEvents(jobID string) ([]model.Event, error) {
	return s.EventsSince(jobID, 0, 100000)
}
