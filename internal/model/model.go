// Package model defines the core entities of the download engine: jobs,
// items, events, and the options that configure a download.
package model

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus is the lifecycle state of an Item.
type ItemStatus string

const (
	ItemPending     ItemStatus = "PENDING"
	ItemDownloading ItemStatus = "DOWNLOADING"
	ItemCompleted   ItemStatus = "COMPLETED"
	ItemFailed      ItemStatus = "FAILED"
	ItemSkipped     ItemStatus = "SKIPPED"
	ItemCancelled   ItemStatus = "CANCELLED"
)

// Priority orders jobs within the queue; HIGH jobs are always scheduled
// before NORMAL, which are always scheduled before LOW.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// ParsePriority parses a case-insensitive priority name, defaulting to
// Normal for anything unrecognized.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(s) {
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// FileNamingMode controls how downloaded files are named on disk.
type FileNamingMode string

const (
	NamingOriginal    FileNamingMode = "ORIGINAL"
	NamingNumbered    FileNamingMode = "NUMBERED"
	NamingTimestamped FileNamingMode = "TIMESTAMPED"
	NamingHash        FileNamingMode = "HASH"
)

// DownloadOptions is the full recognized option surface for a job, as
// enumerated in spec.md §3. All fields are optional; zero values mean
// "use the default" except where noted.
type DownloadOptions struct {
	IncludeImages   *bool `json:"include_images,omitempty"`
	IncludeVideos   *bool `json:"include_videos,omitempty"`
	IncludeDocs     *bool `json:"include_docs,omitempty"`
	IncludeArchives *bool `json:"include_archives,omitempty"`

	MinSizeBytes int64 `json:"min_size_bytes,omitempty"`
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty"`

	DateFrom string `json:"date_from,omitempty"` // YYYY-MM-DD, inclusive
	DateTo   string `json:"date_to,omitempty"`

	ExcludedExtensions []string `json:"excluded_extensions,omitempty"`

	ProxyURL string `json:"proxy_url,omitempty"`

	BandwidthLimitKbps int `json:"bandwidth_limit_kbps,omitempty"`

	ConnectionTimeoutS int `json:"connection_timeout_s,omitempty"`
	ReadTimeoutS       int `json:"read_timeout_s,omitempty"`

	UserAgent string `json:"user_agent,omitempty"`

	MaxRetries      int     `json:"max_retries,omitempty"`
	RetryBaseDelayS float64 `json:"retry_base_delay_s,omitempty"`
	RetryMaxDelayS  float64 `json:"retry_max_delay_s,omitempty"`

	FolderTemplate string         `json:"folder_template,omitempty"`
	FileNamingMode FileNamingMode `json:"file_naming_mode,omitempty"`

	EngineSpecific map[string]any `json:"engine_specific,omitempty"`
}

// boolOrDefault returns the pointed-to bool, or def if the pointer is nil.
func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (o DownloadOptions) IncludesImages() bool   { return boolOrDefault(o.IncludeImages, true) }
func (o DownloadOptions) IncludesVideos() bool   { return boolOrDefault(o.IncludeVideos, true) }
func (o DownloadOptions) IncludesDocs() bool     { return boolOrDefault(o.IncludeDocs, true) }
func (o DownloadOptions) IncludesArchives() bool { return boolOrDefault(o.IncludeArchives, true) }

// Clamp normalizes out-of-range values in place, returning true if anything
// was adjusted (the config loader records this so main can log a warning;
// no LOG event is published for it).
func (o *DownloadOptions) Clamp() bool {
	changed := false
	if o.BandwidthLimitKbps < 0 {
		o.BandwidthLimitKbps = 0
		changed = true
	}
	if o.MinSizeBytes < 0 {
		o.MinSizeBytes = 0
		changed = true
	}
	if o.MaxSizeBytes < 0 {
		o.MaxSizeBytes = 0
		changed = true
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
		changed = true
	}
	if o.ConnectionTimeoutS < 0 {
		o.ConnectionTimeoutS = 0
		changed = true
	}
	if o.ReadTimeoutS < 0 {
		o.ReadTimeoutS = 0
		changed = true
	}
	return changed
}

// Counters tracks per-job item progress; invariant per spec.md §3:
// Completed+Failed+Skipped <= Total while RUNNING, equality holds at any
// non-CANCELLED terminal state.
type Counters struct {
	TotalItems     int `json:"total_items"`
	CompletedItems int `json:"completed_items"`
	FailedItems    int `json:"failed_items"`
	SkippedItems   int `json:"skipped_items"`
}

// Job is one user-submitted download request.
type Job struct {
	ID            string          `json:"job_id"`
	URL           string          `json:"url"`
	Engine        string          `json:"engine"`
	Status        JobStatus       `json:"status"`
	Priority      Priority        `json:"priority"`
	Position      int64           `json:"position"`
	OutputFolder  string          `json:"output_folder"`
	Options       DownloadOptions `json:"options"`
	Counters      Counters        `json:"counters"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Item is one media file belonging to a Job.
type Item struct {
	JobID       string     `json:"job_id"`
	ItemKey     string     `json:"item_key"`
	Status      ItemStatus `json:"status"`
	FilePath    string     `json:"file_path,omitempty"`
	BytesTotal  int64      `json:"bytes_total,omitempty"`
	BytesDone   int64      `json:"bytes_done"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EventType enumerates the engine's observable event kinds (spec.md §4.7).
type EventType string

const (
	EventJobAdded     EventType = "JOB_ADDED"
	EventJobStarted   EventType = "JOB_STARTED"
	EventItemStart    EventType = "ITEM_START"
	EventItemProgress EventType = "ITEM_PROGRESS"
	EventItemDone     EventType = "ITEM_DONE"
	EventItemSkip     EventType = "ITEM_SKIP"
	EventItemFail     EventType = "ITEM_FAIL"
	EventJobProgress  EventType = "JOB_PROGRESS"
	EventJobDone      EventType = "JOB_DONE"
	EventJobError     EventType = "JOB_ERROR"
	EventJobCancelled EventType = "JOB_CANCELLED"
	EventLog          EventType = "LOG"
)

// Event is an immutable record of something that happened to a job.
type Event struct {
	ID        int64          `json:"id,omitempty"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}
