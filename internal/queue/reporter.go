package queue

import (
	"sync"
	"time"

	"forgedl/internal/eventbus"
	"forgedl/internal/historystore"
	"forgedl/internal/model"
	"forgedl/internal/progressthrottle"
)

// reporter implements downloader.ProgressReporter for one running job. It
// is the only place an adapter's raw progress calls turn into persisted
// item rows and bus events, throttling ITEM_PROGRESS through
// progressthrottle and keeping the job's aggregate Counters in HistoryStore
// current so JOB_PROGRESS readers always see monotonic totals. Adapters may
// parallelize item transfers internally, so every method here is safe for
// concurrent use from multiple goroutines belonging to the same job.
type reporter struct {
	store *historystore.Store
	bus   *eventbus.Bus
	jobID string

	mu         sync.Mutex
	throttles  map[string]*progressthrottle.Throttle
	counterMu  sync.Mutex
}

func newReporter(store *historystore.Store, bus *eventbus.Bus, jobID string) *reporter {
	return &reporter{
		store:     store,
		bus:       bus,
		jobID:     jobID,
		throttles: make(map[string]*progressthrottle.Throttle),
	}
}

func (r *reporter) throttleFor(itemKey string) *progressthrottle.Throttle {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.throttles[itemKey]
	if !ok {
		t = progressthrottle.New(func(u progressthrottle.Update) {
			r.emitProgress(itemKey, u)
		})
		r.throttles[itemKey] = t
	}
	return t
}

func (r *reporter) emitProgress(itemKey string, u progressthrottle.Update) {
	_ = r.store.UpsertItem(&model.Item{
		JobID: r.jobID, ItemKey: itemKey, Status: model.ItemDownloading,
		BytesTotal: u.BytesTotal, BytesDone: u.BytesDone, UpdatedAt: time.Now().UTC(),
	})
	r.bus.Publish(model.Event{
		JobID: r.jobID, Type: model.EventItemProgress,
		Payload: map[string]any{
			"item_key": itemKey, "bytes_done": u.BytesDone, "bytes_total": u.BytesTotal,
			"speed": u.Speed, "eta_seconds": u.ETASeconds,
		},
	})
}

func (r *reporter) ItemStart(itemKey, url string, bytesTotal int64) {
	ev := model.Event{JobID: r.jobID, Type: model.EventItemStart, Payload: map[string]any{
		"item_key": itemKey, "url": url, "bytes_total": bytesTotal,
	}}
	_ = r.store.UpsertItemWithEvent(&model.Item{
		JobID: r.jobID, ItemKey: itemKey, Status: model.ItemDownloading,
		BytesTotal: bytesTotal, UpdatedAt: time.Now().UTC(),
	}, ev)
	r.bus.Publish(ev)
}

func (r *reporter) ItemProgress(itemKey string, bytesDone, bytesTotal int64) {
	r.throttleFor(itemKey).Report(bytesDone, bytesTotal, false)
}

func (r *reporter) ItemDone(itemKey, filePath string, bytesTotal int64) {
	r.throttleFor(itemKey).Report(bytesTotal, bytesTotal, true)
	ev := model.Event{JobID: r.jobID, Type: model.EventItemDone, Payload: map[string]any{
		"item_key": itemKey, "file_path": filePath,
	}}
	_ = r.store.UpsertItemWithEvent(&model.Item{
		JobID: r.jobID, ItemKey: itemKey, Status: model.ItemCompleted,
		FilePath: filePath, BytesTotal: bytesTotal, BytesDone: bytesTotal, UpdatedAt: time.Now().UTC(),
	}, ev)
	r.bus.Publish(ev)
	r.incrementCounter("completed_items")
}

func (r *reporter) ItemSkip(itemKey, reason string) {
	ev := model.Event{JobID: r.jobID, Type: model.EventItemSkip, Payload: map[string]any{
		"item_key": itemKey, "reason": reason,
	}}
	_ = r.store.UpsertItemWithEvent(&model.Item{
		JobID: r.jobID, ItemKey: itemKey, Status: model.ItemSkipped, UpdatedAt: time.Now().UTC(),
	}, ev)
	r.bus.Publish(ev)
	r.incrementCounter("skipped_items")
}

func (r *reporter) ItemFail(itemKey string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	ev := model.Event{JobID: r.jobID, Type: model.EventItemFail, Payload: map[string]any{
		"item_key": itemKey, "error": message,
	}}
	_ = r.store.UpsertItemWithEvent(&model.Item{
		JobID: r.jobID, ItemKey: itemKey, Status: model.ItemFailed, UpdatedAt: time.Now().UTC(),
	}, ev)
	r.bus.Publish(ev)
	r.incrementCounter("failed_items")
}

func (r *reporter) Log(level, message string) {
	r.bus.Publish(model.Event{JobID: r.jobID, Type: model.EventLog, Payload: map[string]any{
		"level": level, "message": message,
	}})
}

// incrementCounter re-reads the job's current counters and persists the
// bumped value plus a JOB_PROGRESS event, keeping the monotonic-counters
// ordering guarantee from spec.md §5.
func (r *reporter) incrementCounter(field string) {
	r.counterMu.Lock()
	defer r.counterMu.Unlock()

	job, err := r.store.GetJob(r.jobID)
	if err != nil {
		return
	}
	switch field {
	case "completed_items":
		job.Counters.CompletedItems++
	case "skipped_items":
		job.Counters.SkippedItems++
	case "failed_items":
		job.Counters.FailedItems++
	}
	counters := job.Counters
	_ = r.store.ApplyTransition(r.jobID, historystore.JobMutation{
		Counters: &counters,
		Event:    model.Event{Type: model.EventJobProgress, Payload: map[string]any{"counters": counters}},
	})
	r.bus.Publish(model.Event{JobID: r.jobID, Type: model.EventJobProgress, Payload: map[string]any{"counters": counters}})
}
