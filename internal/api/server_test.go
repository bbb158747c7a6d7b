package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"forgedl/internal/eventbus"
	"forgedl/internal/factory"
	"forgedl/internal/historystore"
	"forgedl/internal/model"
	"forgedl/internal/queue"
	"forgedl/internal/ratelimit"
)

func newTestServer(t *testing.T) (*Server, *historystore.Store, *queue.Manager) {
	t.Helper()
	store, err := historystore.New(t.TempDir())
	if err != nil {
		t.Fatalf("historystore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	f := factory.New()
	q := queue.New(store, bus, f, ratelimit.New(0, 0), ratelimit.NewBandwidthLimiter(0), 1)
	if err := q.Start(); err != nil {
		t.Fatalf("queue.Start: %v", err)
	}
	t.Cleanup(q.Stop)

	return New(q, store, bus), store, q
}

func TestHandleEnqueue_CreatesJob(t *testing.T) {
	s, store, _ := newTestServer(t)

	body, _ := json.Marshal(enqueueRequest{URL: "https://example.com/a.jpg", OutputFolder: t.TempDir()})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected a non-empty job_id")
	}

	if _, err := store.GetJob(resp.JobID); err != nil {
		t.Errorf("expected job persisted, got error: %v", err)
	}
}

func TestHandleEnqueue_RejectsEmptyURL(t *testing.T) {
	s, _, _ := newTestServer(t)

	body, _ := json.Marshal(enqueueRequest{OutputFolder: t.TempDir()})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetJob_NotFoundReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListJobs_FiltersByStatus(t *testing.T) {
	s, _, q := newTestServer(t)

	job, err := q.Enqueue("https://example.com/a.jpg", t.TempDir(), model.PriorityNormal, model.DownloadOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=PENDING", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []*model.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	found := false
	for _, j := range jobs {
		if j.ID == job.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected enqueued job in filtered PENDING list")
	}
}

func TestHandleCancel_PendingJobBecomesCancelled(t *testing.T) {
	s, store, q := newTestServer(t)

	job, err := q.Enqueue("https://example.com/a.jpg", t.TempDir(), model.PriorityNormal, model.DownloadOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	updated, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.Status != model.JobCancelled && updated.Status != model.JobPending {
		// The dispatch loop may have already picked it up and started
		// running; either still-pending-then-cancelled or a cancelled
		// terminal state is acceptable here, but RUNNING/COMPLETED is not.
		t.Errorf("unexpected status after cancel: %s", updated.Status)
	}
}

func TestHandleRecentEvents_ReturnsEventsSinceID(t *testing.T) {
	s, _, q := newTestServer(t)

	job, err := q.Enqueue("https://example.com/a.jpg", t.TempDir(), model.PriorityNormal, model.DownloadOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(events) == 0 {
		t.Error("expected at least the JOB_ADDED event")
	}
}
