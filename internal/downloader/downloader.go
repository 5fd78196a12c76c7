// Package downloader is the public face of the download pipeline: it persists
// requested downloads, keeps the background worker scheduled and exposes the
// status stream and the download feed.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/scheduler"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/tagger"
	"github.com/italolelis/musichub_downloader/internal/taskmanager"
	"github.com/italolelis/musichub_downloader/internal/telemetry"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultConcurrency is used when the download extension has no valid
	// preference.
	DefaultConcurrency = 2
	// WorkName is the unique name of the background download worker.
	WorkName = "musichub-downloads"

	defaultResolveTimeout = 2 * time.Minute
	exceptionsDir         = "exceptions"
)

// Request asks for one track, optionally as part of a media item such as an
// album or a playlist.
type Request struct {
	Track     media.Track `json:"track"`
	Context   *media.Item `json:"context,omitempty"`
	SortOrder *int        `json:"sort_order,omitempty"`
}

type WorkScheduler interface {
	Enqueue(w scheduler.Work) error
}

type Options struct {
	WorkDir            string
	TargetDir          string
	DefaultConcurrency int
	ResolveTimeout     time.Duration
	// ServerIdle evicts cached servers unused for this long. Zero disables
	// the sweep.
	ServerIdle  time.Duration
	Constraints []scheduler.Constraint
	Telemetry   *telemetry.Telemetry
}

type op struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type Downloader struct {
	store      storage.Repository
	extensions *extension.Registry
	tasks      *taskmanager.Manager
	scheduler  WorkScheduler
	telemetry  *telemetry.Telemetry

	workDir            string
	defaultConcurrency int
	resolveTimeout     time.Duration
	serverIdle         time.Duration
	constraints        []scheduler.Constraint

	servers     cmap.ConcurrentMap[string, *cachedServer]
	resolving   singleflight.Group
	resolutions atomic.Int64

	feed *feed

	ops    chan op
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the downloader and starts its housekeeping goroutine. Call
// Start before serving requests.
func New(ctx context.Context, store storage.Repository, extensions *extension.Registry, sched WorkScheduler, opts Options) *Downloader {
	if opts.DefaultConcurrency < 1 {
		opts.DefaultConcurrency = DefaultConcurrency
	}

	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaultResolveTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	d := &Downloader{
		store:              store,
		extensions:         extensions,
		scheduler:          sched,
		telemetry:          opts.Telemetry,
		workDir:            opts.WorkDir,
		defaultConcurrency: opts.DefaultConcurrency,
		resolveTimeout:     opts.ResolveTimeout,
		serverIdle:         opts.ServerIdle,
		constraints:        opts.Constraints,
		servers:            cmap.New[*cachedServer](),
		feed:               newFeed(),
		ops:                make(chan op),
		ctx:                ctx,
		cancel:             cancel,
	}

	d.tasks = taskmanager.New(store, d, extensions,
		taskmanager.FileFailureWriter{Dir: filepath.Join(opts.WorkDir, exceptionsDir)},
		taskmanager.Options{
			Concurrency: opts.DefaultConcurrency,
			WorkDir:     opts.WorkDir,
			TargetDir:   opts.TargetDir,
			Telemetry:   opts.Telemetry,
		})

	d.wg.Add(1)

	go d.housekeeping()

	return d
}

// Start resets records interrupted by a previous process, starts watching
// for finished downloads and schedules the worker when work is pending.
func (d *Downloader) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	n, err := d.store.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted downloads: %w", err)
	}

	if n > 0 {
		logger.InfoContext(ctx, "reset interrupted downloads", "count", n)
	}

	records, err := d.store.GetDownloads(ctx)
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	changes, unsubscribe := d.store.Changes()

	d.feed.seed(records)

	d.wg.Add(1)

	go d.watchFinished(changes, unsubscribe)

	for _, rec := range records {
		if !rec.Finished() {
			return d.schedule()
		}
	}

	return nil
}

// Close stops the worker tasks and the housekeeping goroutine.
func (d *Downloader) Close() {
	d.cancel()
	d.wg.Wait()
	d.tasks.Close()
}

// Add persists the requested downloads and schedules the worker. It fails
// with extension.ErrNoDownloadExtension when no enabled extension can
// download.
func (d *Downloader) Add(ctx context.Context, requests []Request) ([]int64, error) {
	var ids []int64

	err := d.do(ctx, func(ctx context.Context) error {
		client, err := d.extensions.DownloadExtension()
		if err != nil {
			return err
		}

		concurrency := client.DownloadConcurrency()
		if concurrency < 1 {
			concurrency = d.defaultConcurrency
		}

		d.tasks.SetConcurrency(concurrency)

		if len(requests) == 0 {
			return nil
		}

		contexts := map[string]int64{}
		positions := map[string]int{}

		for _, req := range requests {
			track := req.Track
			if track.ExtensionID == "" {
				track.ExtensionID = client.ID()
			}

			payload, err := media.EncodeTrack(track)
			if err != nil {
				return err
			}

			rec := storage.DownloadRecord{
				ExtensionID:  track.ExtensionID,
				TrackID:      track.ID,
				SortOrder:    req.SortOrder,
				TrackPayload: payload,
				TaskState:    storage.StateQueued,
			}

			if req.Context != nil {
				contextID, ok := contexts[req.Context.ID]
				if !ok {
					contextID, err = d.insertContext(ctx, *req.Context)
					if err != nil {
						return err
					}

					contexts[req.Context.ID] = contextID
				}

				rec.ContextID = &contextID

				if rec.SortOrder == nil {
					pos := positions[req.Context.ID]
					rec.SortOrder = &pos
				}

				positions[req.Context.ID]++
			}

			id, err := d.store.InsertDownload(ctx, rec)
			if err != nil {
				return fmt.Errorf("failed to insert download: %w", err)
			}

			ids = append(ids, id)
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "downloads added",
			"count", len(ids),
			"extension_id", client.ID(),
			"concurrency", concurrency)

		return d.schedule()
	})

	return ids, err
}

func (d *Downloader) insertContext(ctx context.Context, item media.Item) (int64, error) {
	payload, err := media.EncodeItem(item)
	if err != nil {
		return 0, err
	}

	id, err := d.store.InsertContext(ctx, storage.ContextRecord{ItemID: item.ID, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("failed to insert context: %w", err)
	}

	return id, nil
}

// Cancel stops the download, deletes its record and its partial and
// exception files.
func (d *Downloader) Cancel(ctx context.Context, id int64) error {
	return d.do(ctx, func(ctx context.Context) error {
		if err := d.tasks.Remove(ctx, id); err != nil {
			return err
		}

		rec, err := d.store.GetDownload(ctx, id)
		if err != nil {
			return err
		}

		if err := d.store.DeleteDownload(ctx, id); err != nil {
			return fmt.Errorf("failed to delete download: %w", err)
		}

		removeFiles(ctx, leftovers(rec)...)
		d.evictServer(rec)
		d.feed.forget(id)

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download cancelled", "download_id", id, "track_id", rec.TrackID)

		return nil
	})
}

// Restart clears the outcome of the download, removes its stale files and
// queues it again. The record keeps its identity.
func (d *Downloader) Restart(ctx context.Context, id int64) error {
	return d.do(ctx, func(ctx context.Context) error {
		if err := d.tasks.Remove(ctx, id); err != nil {
			return err
		}

		rec, err := d.store.GetDownload(ctx, id)
		if err != nil {
			return err
		}

		stale := leftovers(rec)
		if rec.FinalFile != "" {
			stale = append(stale, rec.FinalFile, tagger.SidecarPath(rec.FinalFile))
		}

		rec.ResetTerminal()

		if err := d.store.UpdateDownload(ctx, rec); err != nil {
			return fmt.Errorf("failed to reset download: %w", err)
		}

		removeFiles(ctx, stale...)
		d.evictServer(rec)
		d.feed.forget(id)

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download restarted", "download_id", id, "track_id", rec.TrackID)

		return d.schedule()
	})
}

// CancelAll stops every task and deletes every download that did not finish
// successfully.
func (d *Downloader) CancelAll(ctx context.Context) error {
	return d.do(ctx, func(ctx context.Context) error {
		if err := d.tasks.RemoveAll(ctx); err != nil {
			return err
		}

		records, err := d.store.GetDownloads(ctx)
		if err != nil {
			return fmt.Errorf("failed to load downloads: %w", err)
		}

		var (
			ids   []int64
			files []string
		)

		for _, rec := range records {
			if rec.FinalFile != "" {
				continue
			}

			ids = append(ids, rec.ID)
			files = append(files, leftovers(rec)...)
			d.evictServer(rec)
		}

		if err := d.store.DeleteDownloads(ctx, ids); err != nil {
			return fmt.Errorf("failed to delete downloads: %w", err)
		}

		removeFiles(ctx, files...)

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "all unfinished downloads cancelled", "count", len(ids))

		return nil
	})
}

// DeleteDownload removes the record of a download, leaving its files alone.
func (d *Downloader) DeleteDownload(ctx context.Context, id int64) error {
	return d.do(ctx, func(ctx context.Context) error {
		if err := d.tasks.Remove(ctx, id); err != nil {
			return err
		}

		rec, err := d.store.GetDownload(ctx, id)
		if err != nil {
			return err
		}

		if err := d.store.DeleteDownload(ctx, id); err != nil {
			return fmt.Errorf("failed to delete download: %w", err)
		}

		d.evictServer(rec)
		d.feed.forget(id)

		return nil
	})
}

// DeleteContext removes a context together with every download in it.
func (d *Downloader) DeleteContext(ctx context.Context, id int64) error {
	return d.do(ctx, func(ctx context.Context) error {
		if _, err := d.store.GetContext(ctx, id); err != nil {
			return err
		}

		records, err := d.store.GetDownloads(ctx)
		if err != nil {
			return fmt.Errorf("failed to load downloads: %w", err)
		}

		for _, rec := range records {
			if rec.ContextID == nil || *rec.ContextID != id {
				continue
			}

			if err := d.tasks.Remove(ctx, rec.ID); err != nil {
				return err
			}

			d.evictServer(rec)
			d.feed.forget(rec.ID)
		}

		if err := d.store.DeleteContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete context: %w", err)
		}

		d.feed.forgetContext(id)

		return nil
	})
}

// SetConcurrency changes how many downloads run at once until the next Add
// applies the preference of the download extension again.
func (d *Downloader) SetConcurrency(n int) {
	d.tasks.SetConcurrency(n)
}

func (d *Downloader) Concurrency() int {
	return d.tasks.Concurrency()
}

// Failure reads the failure record of a failed download.
func (d *Downloader) Failure(ctx context.Context, id int64) (taskmanager.Failure, error) {
	rec, err := d.store.GetDownload(ctx, id)
	if err != nil {
		return taskmanager.Failure{}, err
	}

	if rec.ExceptionFile == "" {
		return taskmanager.Failure{}, ErrNoFailure
	}

	return taskmanager.ReadFailure(rec.ExceptionFile)
}

func (d *Downloader) schedule() error {
	return d.scheduler.Enqueue(scheduler.Work{
		Name:        WorkName,
		Constraints: d.constraints,
		Run:         d.work,
	})
}

// work queues every unfinished record and waits for the task manager to
// drain, until a scan finds nothing new.
func (d *Downloader) work(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	queued := map[int64]bool{}

	for {
		records, err := d.store.GetDownloads(ctx)
		if err != nil {
			return fmt.Errorf("failed to load downloads: %w", err)
		}

		added := 0

		for _, rec := range records {
			if rec.Finished() || queued[rec.ID] {
				continue
			}

			queued[rec.ID] = true

			if err := d.tasks.Enqueue(ctx, rec); err != nil {
				return fmt.Errorf("failed to queue download %d: %w", rec.ID, err)
			}

			added++
		}

		if added == 0 {
			return nil
		}

		logger.DebugContext(ctx, "download worker queued tasks", "count", added)

		if err := d.tasks.Wait(ctx); err != nil {
			return err
		}
	}
}

// do runs fn on the housekeeping goroutine, so orchestrator operations never
// interleave.
func (d *Downloader) do(ctx context.Context, fn func(ctx context.Context) error) error {
	o := op{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case d.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) housekeeping() {
	defer d.wg.Done()

	logger := logctx.LoggerFromContext(d.ctx)

	var sweep <-chan time.Time

	if d.serverIdle > 0 {
		ticker := time.NewTicker(max(d.serverIdle/2, time.Second))
		defer ticker.Stop()

		sweep = ticker.C
	}

	for {
		select {
		case <-d.ctx.Done():
			logger.Info("downloader housekeeping shutdown", "reason", "context_cancelled")

			return
		case o := <-d.ops:
			o.done <- d.run(o)
		case now := <-sweep:
			if n := d.sweepServers(now); n > 0 {
				logger.Debug("evicted idle servers", "count", n)
			}
		}
	}
}

func (d *Downloader) run(o op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(o.ctx).ErrorContext(o.ctx, "downloader operation panic",
				"panic", r,
				"stack", string(debug.Stack()))

			d.telemetry.RecordSystemError(o.ctx, "downloader", "panic")

			err = fmt.Errorf("downloader operation panicked: %v", r)
		}
	}()

	return o.fn(o.ctx)
}

// leftovers lists the intermediate and exception files of rec.
func leftovers(rec storage.DownloadRecord) []string {
	files := append([]string{}, rec.ToMergeFiles...)

	if rec.ToTagFile != "" {
		files = append(files, rec.ToTagFile)
	}

	if rec.ExceptionFile != "" {
		files = append(files, rec.ExceptionFile)
	}

	return files
}

// removeFiles deletes files best effort. Missing files are not an error.
func removeFiles(ctx context.Context, files ...string) {
	logger := logctx.LoggerFromContext(ctx)

	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove file", "file_path", f, "err", err)
		}
	}
}
