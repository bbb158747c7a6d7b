package historystore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/model"
)

const jobColumns = `
	job_id, url, engine, status, priority, position, output_folder,
	COALESCE(options_blob, '{}'), total_items, completed_items,
	failed_items, skipped_items, COALESCE(error_message, ''),
	created_at, started_at, finished_at
`

// CreateJob inserts a new job and its JOB_ADDED event in a single
// transaction, assigning it the position after the highest one held by
// any job (a single counter shared by all priority lanes).
func (s *Store) CreateJob(job *model.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return apperr.Wrap("historystore.CreateJob", err)
	}
	defer tx.Rollback()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	var nextPos int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(position), 0) + 1 FROM jobs`)
	if err := row.Scan(&nextPos); err != nil {
		return apperr.Wrap("historystore.CreateJob", err)
	}
	job.Position = nextPos

	optionsBlob, err := json.Marshal(job.Options)
	if err != nil {
		return apperr.Wrap("historystore.CreateJob", err)
	}

	_, err = tx.Exec(`
		INSERT INTO jobs (
			job_id, url, engine, status, priority, position, output_folder,
			options_blob, total_items, completed_items, failed_items,
			skipped_items, error_message, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.URL, job.Engine, string(job.Status), int(job.Priority), job.Position,
		job.OutputFolder, string(optionsBlob), job.Counters.TotalItems, job.Counters.CompletedItems,
		job.Counters.FailedItems, job.Counters.SkippedItems, job.ErrorMessage,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return apperr.Wrap("historystore.CreateJob", err)
	}

	if err := appendEventTx(tx, model.Event{
		JobID:     job.ID,
		Timestamp: job.CreatedAt,
		Type:      model.EventJobAdded,
		Payload:   map[string]any{"url": job.URL, "engine": job.Engine},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// JobMutation describes a state transition applied to a job row: the new
// field values plus the event(s) that must be appended atomically alongside
// it. AlsoEvent covers the rare case where a single transition appends two
// events — e.g. a failed or cancelled job records its specific JOB_ERROR /
// JOB_CANCELLED event and the terminal JOB_DONE the events table must always
// end with.
type JobMutation struct {
	Status       *model.JobStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage *string
	Counters     *model.Counters
	Event        model.Event
	AlsoEvent    *model.Event
}

// ApplyTransition mutates a job's status/counters/timestamps and appends
// the corresponding event in one transaction, per spec.md §4.9's
// "state change and event append are atomic" rule.
func (s *Store) ApplyTransition(jobID string, m JobMutation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return apperr.Wrap("historystore.ApplyTransition", err)
	}
	defer tx.Rollback()

	setClauses := ""
	args := []any{}
	add := func(clause string, val any) {
		if setClauses != "" {
			setClauses += ", "
		}
		setClauses += clause
		args = append(args, val)
	}

	if m.Status != nil {
		add("status = ?", string(*m.Status))
	}
	if m.StartedAt != nil {
		if m.StartedAt.IsZero() {
			add("started_at = ?", nil)
		} else {
			add("started_at = ?", *m.StartedAt)
		}
	}
	if m.FinishedAt != nil {
		add("finished_at = ?", *m.FinishedAt)
	}
	if m.ErrorMessage != nil {
		add("error_message = ?", *m.ErrorMessage)
	}
	if m.Counters != nil {
		add("total_items = ?", m.Counters.TotalItems)
		add("completed_items = ?", m.Counters.CompletedItems)
		add("failed_items = ?", m.Counters.FailedItems)
		add("skipped_items = ?", m.Counters.SkippedItems)
	}

	if setClauses != "" {
		args = append(args, jobID)
		_, err = tx.Exec(fmt.Sprintf(`UPDATE jobs SET %s WHERE job_id = ?`, setClauses), args...)
		if err != nil {
			return apperr.Wrap("historystore.ApplyTransition", err)
		}
	}

	if m.Event.Type != "" {
		if m.Event.Timestamp.IsZero() {
			m.Event.Timestamp = time.Now().UTC()
		}
		m.Event.JobID = jobID
		if err := appendEventTx(tx, m.Event); err != nil {
			return err
		}
	}
	if m.AlsoEvent != nil {
		ev := *m.AlsoEvent
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		ev.JobID = jobID
		if err := appendEventTx(tx, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdatePosition sets a job's queue position, used by reordering.
func (s *Store) UpdatePosition(jobID string, position int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Exec(`UPDATE jobs SET position = ? WHERE job_id = ?`, position, jobID)
	return apperr.Wrap("historystore.UpdatePosition", err)
}

// GetJob fetches a single job by ID.
func (s *Store) GetJob(jobID string) (*model.Job, error) {
	row := s.conn.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Wrap("historystore.GetJob", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Wrap("historystore.GetJob", err)
	}
	return job, nil
}

// ListQueue returns PENDING and RUNNING jobs ordered by priority then
// position, the order the QueueManager schedules in.
func (s *Store) ListQueue() ([]*model.Job, error) {
	return s.queryJobs(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY priority DESC, position ASC
	`)
}

// ListHistory returns terminal jobs, most recently finished first.
func (s *Store) ListHistory(limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryJobs(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		ORDER BY COALESCE(finished_at, created_at) DESC
		LIMIT ?
	`, limit)
}

// ListAll returns every job ordered by priority then position.
func (s *Store) ListAll() ([]*model.Job, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY priority DESC, position ASC`)
}

func (s *Store) queryJobs(query string, args ...any) ([]*model.Job, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap("historystore.queryJobs", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Wrap("historystore.queryJobs", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RemoveJob deletes a job and its items/events. Only valid for jobs that
// are PENDING or in a terminal state; callers are responsible for
// enforcing that invariant.
func (s *Store) RemoveJob(jobID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return apperr.Wrap("historystore.RemoveJob", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM items WHERE job_id = ?`, jobID); err != nil {
		return apperr.Wrap("historystore.RemoveJob", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE job_id = ?`, jobID); err != nil {
		return apperr.Wrap("historystore.RemoveJob", err)
	}
	res, err := tx.Exec(`DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return apperr.Wrap("historystore.RemoveJob", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Wrap("historystore.RemoveJob", apperr.ErrNotFound)
	}

	return tx.Commit()
}

// ClearCompleted removes every job in a terminal state.
func (s *Store) ClearCompleted() (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, apperr.Wrap("historystore.ClearCompleted", err)
	}
	defer tx.Rollback()

	terminal := `SELECT job_id FROM jobs WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')`
	rows, err := tx.Query(terminal)
	if err != nil {
		return 0, apperr.Wrap("historystore.ClearCompleted", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apperr.Wrap("historystore.ClearCompleted", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM items WHERE job_id = ?`, id); err != nil {
			return 0, apperr.Wrap("historystore.ClearCompleted", err)
		}
		if _, err := tx.Exec(`DELETE FROM events WHERE job_id = ?`, id); err != nil {
			return 0, apperr.Wrap("historystore.ClearCompleted", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')`); err != nil {
		return 0, apperr.Wrap("historystore.ClearCompleted", err)
	}

	return int64(len(ids)), tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                     model.Job
		priority              int
		optionsBlob           string
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.URL, &j.Engine, &j.Status, &priority, &j.Position, &j.OutputFolder,
		&optionsBlob, &j.Counters.TotalItems, &j.Counters.CompletedItems,
		&j.Counters.FailedItems, &j.Counters.SkippedItems, &j.ErrorMessage,
		&j.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Priority = model.Priority(priority)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	if optionsBlob != "" {
		_ = json.Unmarshal([]byte(optionsBlob), &j.Options)
	}
	return &j, nil
}
