package historystore

import (
	"testing"
	"time"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/model"
)

// setupTestStore creates an isolated on-disk SQLite database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func newTestJob(url string) *model.Job {
	return &model.Job{
		ID:     "job-" + url,
		URL:    url,
		Engine: "ytdlp",
		Status: model.JobPending,
	}
}

// =============================================================================
// Database Initialization Tests
// =============================================================================

func TestNew_CreatesDatabaseAndMigrates(t *testing.T) {
	s := setupTestStore(t)

	for _, table := range []string{"jobs", "items", "events", "settings"} {
		var count int
		if err := s.conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Fatalf("%s table should exist: %v", table, err)
		}
	}
}

func TestNew_SetsWALMode(t *testing.T) {
	s := setupTestStore(t)

	var journalMode string
	if err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}
}

// =============================================================================
// Job CRUD Tests
// =============================================================================

func TestCreateJob_AssignsPositionAndEvent(t *testing.T) {
	s := setupTestStore(t)

	j1 := newTestJob("https://example.com/a")
	if err := s.CreateJob(j1); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j2 := newTestJob("https://example.com/b")
	if err := s.CreateJob(j2); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if j1.Position != 1 || j2.Position != 2 {
		t.Errorf("positions = %d, %d, want 1, 2", j1.Position, j2.Position)
	}

	events, err := s.ListEvents(j1.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != model.EventJobAdded {
		t.Errorf("expected a single JOB_ADDED event, got %+v", events)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetJob("missing")
	if !apperr.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetJob_RoundTrip(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("https://example.com/a")
	job.Priority = model.PriorityHigh
	job.OutputFolder = "/tmp/out"
	no := false
	job.Options.IncludeVideos = &no

	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.URL != job.URL || got.Priority != model.PriorityHigh || got.OutputFolder != "/tmp/out" {
		t.Errorf("round-tripped job mismatch: %+v", got)
	}
	if got.Options.IncludesVideos() {
		t.Error("expected IncludeVideos=false to survive the options blob round-trip")
	}
}

func TestApplyTransition_UpdatesStateAndAppendsEvent(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("https://example.com/a")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	running := model.JobRunning
	now := time.Now().UTC()
	err := s.ApplyTransition(job.ID, JobMutation{
		Status:    &running,
		StartedAt: &now,
		Event: model.Event{
			Type:    model.EventJobStarted,
			Payload: map[string]any{"engine": "ytdlp"},
		},
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobRunning || got.StartedAt == nil {
		t.Errorf("transition did not apply: %+v", got)
	}

	events, err := s.ListEvents(job.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[1].Type != model.EventJobStarted {
		t.Errorf("expected JOB_ADDED then JOB_STARTED, got %+v", events)
	}
}

func TestListQueue_OrdersByPriorityThenPosition(t *testing.T) {
	s := setupTestStore(t)

	low := newTestJob("low")
	low.Priority = model.PriorityLow
	high := newTestJob("high")
	high.Priority = model.PriorityHigh
	normal := newTestJob("normal")
	normal.Priority = model.PriorityNormal

	for _, j := range []*model.Job{low, high, normal} {
		if err := s.CreateJob(j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	queue, err := s.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", len(queue))
	}
	if queue[0].ID != high.ID || queue[1].ID != normal.ID || queue[2].ID != low.ID {
		t.Errorf("unexpected queue order: %v, %v, %v", queue[0].ID, queue[1].ID, queue[2].ID)
	}
}

func TestListHistory_OnlyTerminalJobs(t *testing.T) {
	s := setupTestStore(t)

	pending := newTestJob("pending")
	done := newTestJob("done")
	if err := s.CreateJob(pending); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(done); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	completed := model.JobCompleted
	if err := s.ApplyTransition(done.ID, JobMutation{Status: &completed}); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	history, err := s.ListHistory(0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 1 || history[0].ID != done.ID {
		t.Errorf("expected only the completed job in history, got %+v", history)
	}
}

func TestRemoveJob(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("removable")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.RemoveJob(job.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}

	if _, err := s.GetJob(job.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected job to be gone, got err=%v", err)
	}
}

func TestClearCompleted(t *testing.T) {
	s := setupTestStore(t)

	pending := newTestJob("pending")
	done := newTestJob("done")
	failed := newTestJob("failed")
	for _, j := range []*model.Job{pending, done, failed} {
		if err := s.CreateJob(j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	completed := model.JobCompleted
	failedStatus := model.JobFailed
	if err := s.ApplyTransition(done.ID, JobMutation{Status: &completed}); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if err := s.ApplyTransition(failed.ID, JobMutation{Status: &failedStatus}); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	n, err := s.ClearCompleted()
	if err != nil {
		t.Fatalf("ClearCompleted: %v", err)
	}
	if n != 2 {
		t.Errorf("ClearCompleted removed %d jobs, want 2", n)
	}

	remaining, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != pending.ID {
		t.Errorf("expected only the pending job left, got %+v", remaining)
	}
}

// =============================================================================
// Item Tests
// =============================================================================

func TestUpsertItem_CreateThenUpdate(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("with-items")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	item := &model.Item{JobID: job.ID, ItemKey: "file-1", Status: model.ItemPending}
	if err := s.UpsertItem(item); err != nil {
		t.Fatalf("UpsertItem (create): %v", err)
	}

	item.Status = model.ItemCompleted
	item.BytesDone = 1024
	if err := s.UpsertItem(item); err != nil {
		t.Fatalf("UpsertItem (update): %v", err)
	}

	got, err := s.GetItem(job.ID, "file-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != model.ItemCompleted || got.BytesDone != 1024 {
		t.Errorf("unexpected item state: %+v", got)
	}
}

func TestItemCompleted_UnknownKey(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("with-items")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done, err := s.ItemCompleted(job.ID, "never-seen")
	if err != nil {
		t.Fatalf("ItemCompleted: %v", err)
	}
	if done {
		t.Error("expected unseen item key to report not completed")
	}
}

func TestUpsertItemWithEvent_IsAtomic(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("with-items")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	item := &model.Item{JobID: job.ID, ItemKey: "file-1", Status: model.ItemCompleted, BytesDone: 2048}
	ev := model.Event{Type: model.EventItemDone, Payload: map[string]any{"item_key": "file-1"}}
	if err := s.UpsertItemWithEvent(item, ev); err != nil {
		t.Fatalf("UpsertItemWithEvent: %v", err)
	}

	events, err := s.ListEvents(job.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawItemDone bool
	for _, e := range events {
		if e.Type == model.EventItemDone {
			sawItemDone = true
		}
	}
	if !sawItemDone {
		t.Error("expected ITEM_DONE event to be recorded alongside the item write")
	}
}

// =============================================================================
// Event Tests
// =============================================================================

func TestEventsSince_ReturnsOnlyNewer(t *testing.T) {
	s := setupTestStore(t)

	job := newTestJob("events")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.AppendEvent(model.Event{JobID: job.ID, Type: model.EventLog, Payload: map[string]any{"n": 1}}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	all, err := s.ListEvents(job.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}

	since, err := s.EventsSince(job.ID, all[0].ID, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(since) != 1 || since[0].ID != all[1].ID {
		t.Errorf("expected only the second event, got %+v", since)
	}
}
