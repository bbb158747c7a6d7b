// Package downloader defines the contract every engine adapter implements
// (spec.md §4.1): a uniform download() entry point plus the cooperative
// cancellation, progress reporting, and filesystem primitives an adapter
// receives from the QueueManager.
package downloader

import (
	"context"
	"sync"
	"time"

	"forgedl/internal/model"
	"forgedl/internal/ratelimit"
)

// CancelToken is a cooperative cancellation handle. Adapters must check
// IsCancelled() between items and honor Done() in any blocking wait.
type CancelToken interface {
	IsCancelled() bool
	Done() <-chan struct{}
}

// Token is the QueueManager-owned implementation of CancelToken; it also
// exposes Cancel() so only the owner can trigger it.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken creates a cancellable token for one job run.
func NewCancelToken() *Token {
	return &Token{ch: make(chan struct{})}
}

func (c *Token) Cancel() {
	c.once.Do(func() { close(c.ch) })
}

func (c *Token) IsCancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

func (c *Token) Done() <-chan struct{} { return c.ch }

// ProgressReporter is how an adapter reports item-level progress. The
// QueueManager supplies an implementation that throttles and forwards to
// the EventBus (internal/progressthrottle); adapters never talk to the
// bus directly.
type ProgressReporter interface {
	// ItemStart announces the beginning of one item's transfer.
	ItemStart(itemKey, url string, bytesTotal int64)
	// ItemProgress reports incremental bytes transferred; the reporter is
	// responsible for throttling these to the 100ms cadence.
	ItemProgress(itemKey string, bytesDone, bytesTotal int64)
	// ItemDone announces a successfully completed item.
	ItemDone(itemKey, filePath string, bytesTotal int64)
	// ItemSkip announces an item filtered out by options (not an error).
	ItemSkip(itemKey, reason string)
	// ItemFail announces a terminally failed item.
	ItemFail(itemKey string, err error)
	// Log emits a diagnostic LOG event scoped to the running job.
	Log(level, message string)
}

// FS is the filesystem capability an adapter uses to materialize items;
// see internal/fsadapter for the concrete implementation.
type FS interface {
	// Prepare resolves the final on-disk path for an item under
	// outputFolder, applying the folder template and sanitizer, and
	// returns whether the item already exists complete (for resume/skip).
	Prepare(outputFolder, folderTemplate string, namingMode model.FileNamingMode, item ItemMeta) (finalPath string, alreadyComplete bool, err error)
	// OpenForWrite opens (or resumes) the `.part` file for writing,
	// returning the current on-disk offset to resume from.
	OpenForWrite(finalPath string) (WritableFile, int64, error)
	// Finalize renames `<finalPath>.part` to finalPath after a successful
	// transfer and size check.
	Finalize(finalPath string, expectedSize int64) error
	// Abandon removes a partial file belonging to a cancelled or failed item.
	Abandon(finalPath string) error
}

// ItemMeta is the minimal metadata an adapter supplies to FS.Prepare to
// render a folder template and sanitize a filename.
type ItemMeta struct {
	ItemKey  string
	FileName string
	Extra    map[string]string
}

// WritableFile is the handle returned by FS.OpenForWrite.
type WritableFile interface {
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// DownloadResult summarizes the outcome of one adapter.Download call.
type DownloadResult struct {
	Success bool
	Counters model.Counters
	// ErrorMessage is set when Success is false, a sanitized summary
	// suitable for display (never a raw stack trace, per spec.md §7).
	ErrorMessage string
}

// Adapter is the uniform contract every engine and scraper implements.
type Adapter interface {
	// Name is a stable identifier used for factory registration and for
	// Job.Engine ("final") once resolved.
	Name() string
	// CanHandle is the predicate the factory uses to pick an adapter. The
	// native and generic adapters only inspect the URL; the gallery-dl and
	// yt-dlp adapters run their tool in simulate mode, so their check
	// starts a child process and may touch the network.
	CanHandle(url string) bool
	// Download runs the full job: enumerate media items, download each
	// respecting options, cancel, report and fs. Context carries
	// connection/read timeout deadlines; cancel is the cooperative handle.
	// outputFolder is the job's destination root (Job.OutputFolder). bw
	// is the engine-wide bandwidth limiter; adapters that stream bytes
	// themselves must call bw.WaitN before consuming each chunk.
	Download(ctx context.Context, url, outputFolder string, options model.DownloadOptions, cancel CancelToken, report ProgressReporter, fs FS, bw *ratelimit.BandwidthLimiter) (DownloadResult, error)
}

// ItemTimeout derives a per-request timeout from DownloadOptions,
// defaulting connection+read timeouts when unset.
func ItemTimeout(o model.DownloadOptions) time.Duration {
	connS := o.ConnectionTimeoutS
	if connS <= 0 {
		connS = 30
	}
	readS := o.ReadTimeoutS
	if readS <= 0 {
		readS = 60
	}
	return time.Duration(connS+readS) * time.Second
}
