package historystore

import (
	"database/sql"
	"time"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/model"
)

const itemColumns = `
	job_id, item_key, status, COALESCE(file_path, ''), bytes_total,
	bytes_done, updated_at
`

// UpsertItem creates or updates an item row. Item writes are not paired
// with an event append by default; callers that need the atomic pairing
// (e.g. marking an item COMPLETED alongside an ITEM_DONE event) should
// use UpsertItemWithEvent instead.
func (s *Store) UpsertItem(item *model.Item) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upsertItem(s.conn, item)
}

// UpsertItemWithEvent writes the item row and appends ev in one transaction.
func (s *Store) UpsertItemWithEvent(item *model.Item, ev model.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return apperr.Wrap("historystore.UpsertItemWithEvent", err)
	}
	defer tx.Rollback()

	if err := s.upsertItem(tx, item); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := appendEventTx(tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertItem(ex execer, item *model.Item) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	_, err := ex.Exec(`
		INSERT INTO items (job_id, item_key, status, file_path, bytes_total, bytes_done, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, item_key) DO UPDATE SET
			status = excluded.status,
			file_path = excluded.file_path,
			bytes_total = excluded.bytes_total,
			bytes_done = excluded.bytes_done,
			updated_at = excluded.updated_at
	`, item.JobID, item.ItemKey, string(item.Status), item.FilePath, item.BytesTotal, item.BytesDone, item.UpdatedAt)
	return apperr.Wrap("historystore.upsertItem", err)
}

// GetItem returns a single item, or ErrNotFound if none exists yet for
// that job/key pair — this is the "have we seen this item before" check
// the dedup-by-item-key invariant (spec.md §4) relies on.
func (s *Store) GetItem(jobID, itemKey string) (*model.Item, error) {
	row := s.conn.QueryRow(`SELECT `+itemColumns+` FROM items WHERE job_id = ? AND item_key = ?`, jobID, itemKey)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Wrap("historystore.GetItem", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Wrap("historystore.GetItem", err)
	}
	return item, nil
}

// ItemCompleted reports whether item_key is already COMPLETED for jobID,
// the check a resumed or re-enqueued job uses to skip already-done work.
func (s *Store) ItemCompleted(jobID, itemKey string) (bool, error) {
	item, err := s.GetItem(jobID, itemKey)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return item.Status == model.ItemCompleted, nil
}

// ListItems returns every item recorded for a job.
func (s *Store) ListItems(jobID string) ([]*model.Item, error) {
	rows, err := s.conn.Query(`SELECT `+itemColumns+` FROM items WHERE job_id = ? ORDER BY item_key`, jobID)
	if err != nil {
		return nil, apperr.Wrap("historystore.ListItems", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, apperr.Wrap("historystore.ListItems", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*model.Item, error) {
	var item model.Item
	err := row.Scan(
		&item.JobID, &item.ItemKey, &item.Status, &item.FilePath,
		&item.BytesTotal, &item.BytesDone, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
