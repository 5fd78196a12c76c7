package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/musichub_downloader/internal/media"
)

var ErrNotFound = errors.New("record not found")

// TaskState is the pipeline stage a download record is in. Queued is the
// state new records are persisted with.
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateResolving TaskState = "resolving"
	StateFetching  TaskState = "fetching"
	StateMerging   TaskState = "merging"
	StateTagging   TaskState = "tagging"
	StateDone      TaskState = "done"
	StateFailed    TaskState = "failed"
)

// Terminal reports whether the state ends the pipeline.
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Running reports whether a worker is processing the record.
func (s TaskState) Running() bool {
	switch s {
	case StateResolving, StateFetching, StateMerging, StateTagging:
		return true
	default:
		return false
	}
}

// DownloadRecord is one requested track. At most one of FinalFile and
// ExceptionFile is set; neither means queued or in progress.
type DownloadRecord struct {
	ID           int64     `json:"id"`
	ExtensionID  string    `json:"extension_id"`
	TrackID      string    `json:"track_id"`
	ContextID    *int64    `json:"context_id,omitempty"`
	SortOrder    *int      `json:"sort_order,omitempty"`
	TrackPayload string    `json:"-"`
	TaskState    TaskState `json:"task_state"`
	StreamableID string    `json:"streamable_id,omitempty"`
	// MergeIndexes are the indexes of the selected sources fetched so far,
	// aligned with ToMergeFiles. It is cleared once every part is fetched, so
	// ToMergeFiles without MergeIndexes is a complete fetch awaiting merge.
	MergeIndexes    []int     `json:"merge_indexes,omitempty"`
	ToMergeFiles    []string  `json:"to_merge_files,omitempty"`
	ToTagFile       string    `json:"to_tag_file,omitempty"`
	FinalFile       string    `json:"final_file,omitempty"`
	ExceptionFile   string    `json:"exception_file,omitempty"`
	FullyDownloaded bool      `json:"fully_downloaded"`
	CreatedAt       time.Time `json:"created_at"`
}

// Track decodes the track payload.
func (r DownloadRecord) Track() (media.Track, error) {
	return media.DecodeTrack(r.TrackPayload)
}

// Finished reports whether the record reached a terminal outcome.
func (r DownloadRecord) Finished() bool {
	return r.FinalFile != "" || r.ExceptionFile != ""
}

// ResetTerminal clears the outcome and intermediate files so the record runs
// again from scratch.
func (r *DownloadRecord) ResetTerminal() {
	r.TaskState = StateQueued
	r.FinalFile = ""
	r.ExceptionFile = ""
	r.FullyDownloaded = false
	r.StreamableID = ""
	r.MergeIndexes = nil
	r.ToMergeFiles = nil
	r.ToTagFile = ""
}

// ContextRecord groups downloads started from the same media item.
type ContextRecord struct {
	ID      int64  `json:"id"`
	ItemID  string `json:"item_id"`
	Payload string `json:"-"`
}

func (c ContextRecord) Item() (media.Item, error) {
	return media.DecodeItem(c.Payload)
}

type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id int64) (DownloadRecord, error)
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetContext(ctx context.Context, id int64) (ContextRecord, error)
	GetContextByItemID(ctx context.Context, itemID string) (ContextRecord, error)
	GetContexts(ctx context.Context) ([]ContextRecord, error)
}

type DownloadWriteRepository interface {
	InsertDownload(ctx context.Context, rec DownloadRecord) (int64, error)
	UpdateDownload(ctx context.Context, rec DownloadRecord) error
	DeleteDownload(ctx context.Context, id int64) error
	DeleteDownloads(ctx context.Context, ids []int64) error
	// InsertContext returns the id of the existing context for the same item
	// id instead of inserting a duplicate.
	InsertContext(ctx context.Context, rec ContextRecord) (int64, error)
	// DeleteContext also deletes every download of the context.
	DeleteContext(ctx context.Context, id int64) error
	// ResetInterrupted moves records left running by a previous process back
	// to queued and returns how many were reset.
	ResetInterrupted(ctx context.Context) (int64, error)
}

// Repository is the download store. Every write is announced on Changes.
type Repository interface {
	DownloadReadRepository
	DownloadWriteRepository
	Changes() (<-chan struct{}, func())
}
