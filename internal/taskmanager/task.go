package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"golang.org/x/sync/errgroup"
)

// pipeline carries one record through the stages. rec is the latest persisted
// version of the record and stage the stage being worked on.
type pipeline struct {
	m     *Manager
	rec   storage.DownloadRecord
	stage storage.TaskState
	mu    sync.Mutex
}

func (m *Manager) run(t *task) {
	defer m.finish(t)

	ctx := logctx.WithDownloadID(t.ctx, t.id)
	logger := logctx.LoggerFromContext(ctx)

	err := m.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return m.process(ctx, t.id)
	})

	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.DebugContext(ctx, "download task cancelled")
	default:
		logger.ErrorContext(ctx, "download task failed", "err", err)
	}
}

func (m *Manager) process(ctx context.Context, id int64) error {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := m.store.GetDownload(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.DebugContext(ctx, "download record is gone, skipping")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load download record: %w", err)
	}

	if rec.Finished() {
		return nil
	}

	p := &pipeline{m: m, rec: rec, stage: storage.StateResolving}

	err = p.executeSafely(ctx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, storage.ErrNotFound) {
		logger.DebugContext(ctx, "download record removed while running")

		return nil
	}

	return m.fail(ctx, p, err)
}

// fail persists err as the terminal state of the record and returns it.
func (m *Manager) fail(ctx context.Context, p *pipeline, cause error) error {
	logger := logctx.LoggerFromContext(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	taskErr := &TaskError{Stage: p.stage, Download: p.rec, Err: cause}

	path, err := m.failures.WriteFailure(ctx, taskErr)
	if err != nil {
		logger.ErrorContext(ctx, "failed to write exception file", "err", err)
		m.telemetry.RecordSystemError(ctx, "taskmanager", "exception_file")
	}

	p.rec.ExceptionFile = path
	p.rec.FinalFile = ""
	p.rec.FullyDownloaded = false
	p.rec.TaskState = storage.StateFailed

	if err := m.store.UpdateDownload(ctx, p.rec); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.ErrorContext(ctx, "failed to persist task failure", "err", err)
	}

	return taskErr
}

func (p *pipeline) executeSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download task panic",
				"stage", p.stage,
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return p.execute(ctx)
}

func (p *pipeline) execute(ctx context.Context) error {
	track, err := p.rec.Track()
	if err != nil {
		return fmt.Errorf("failed to decode track: %w", err)
	}

	client, err := p.m.extensions.DownloadExtension()
	if err != nil {
		return err
	}

	dctx := extension.DownloadContext{
		DownloadID: p.rec.ID,
		Track:      track,
		SortOrder:  p.rec.SortOrder,
		WorkDir:    p.m.workDir,
		TargetDir:  p.m.targetDir,
	}

	if p.rec.ContextID != nil {
		dctx.Context = p.contextItem(ctx, *p.rec.ContextID)
	}

	if p.rec.ToTagFile == "" {
		if len(p.rec.ToMergeFiles) == 0 || len(p.rec.MergeIndexes) > 0 {
			server, err := p.resolve(ctx, track)
			if err != nil {
				return err
			}

			if err := p.fetch(ctx, client, dctx, server); err != nil {
				return err
			}
		}

		if err := p.merge(ctx, client, dctx); err != nil {
			return err
		}
	}

	return p.tag(ctx, client, dctx)
}

func (p *pipeline) contextItem(ctx context.Context, id int64) *media.Item {
	logger := logctx.LoggerFromContext(ctx)

	c, err := p.m.store.GetContext(ctx, id)
	if err != nil {
		logger.WarnContext(ctx, "failed to load download context", "context_id", id, "err", err)

		return nil
	}

	item, err := c.Item()
	if err != nil {
		logger.WarnContext(ctx, "failed to decode download context", "context_id", id, "err", err)

		return nil
	}

	return &item
}

// enter persists the record in state and runs fn instrumented as that stage.
func (p *pipeline) enter(ctx context.Context, state storage.TaskState, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	p.stage = state
	p.rec.TaskState = state
	err := p.m.store.UpdateDownload(ctx, p.rec)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to persist %s state: %w", state, err)
	}

	p.m.setProgress(p.rec.ID, Progress{Stage: state})

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download stage started", "stage", state)

	return p.m.telemetry.InstrumentStage(ctx, string(state), fn)
}

func (p *pipeline) reporter(state storage.TaskState) extension.ProgressFunc {
	return func(current, total int64) {
		p.m.setProgress(p.rec.ID, Progress{Stage: state, Current: current, Total: total})
	}
}

// update applies fn to the record and persists it.
func (p *pipeline) update(ctx context.Context, fn func(rec *storage.DownloadRecord)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(&p.rec)

	if err := p.m.store.UpdateDownload(ctx, p.rec); err != nil {
		return fmt.Errorf("failed to persist download record: %w", err)
	}

	return nil
}

func (p *pipeline) resolve(ctx context.Context, track media.Track) (media.Server, error) {
	streamable, ok := track.BestStreamable()
	if !ok {
		streamable = media.Streamable{ID: track.ID}
	}

	p.rec.StreamableID = streamable.ID

	var server media.Server

	err := p.enter(ctx, storage.StateResolving, func(ctx context.Context) error {
		var err error

		server, err = p.m.resolver.GetServer(ctx, p.rec)

		return err
	})

	return server, err
}

// fetch downloads every selected source not fetched yet. Fetched parts are
// persisted as they complete so an interrupted fetch resumes with the
// missing ones; MergeIndexes is cleared once every part is on disk.
func (p *pipeline) fetch(ctx context.Context, client extension.DownloadClient, dctx extension.DownloadContext, server media.Server) error {
	sources := server.Select()
	if len(sources) == 0 {
		return fmt.Errorf("server of track %s has no sources", p.rec.TrackID)
	}

	return p.enter(ctx, storage.StateFetching, func(ctx context.Context) error {
		parts := make([]string, len(sources))

		for i, idx := range p.rec.MergeIndexes {
			if idx < 0 || idx >= len(parts) || i >= len(p.rec.ToMergeFiles) {
				continue
			}

			if _, err := os.Stat(p.rec.ToMergeFiles[i]); err == nil {
				parts[idx] = p.rec.ToMergeFiles[i]
			}
		}

		var (
			mu      sync.Mutex
			current = make([]int64, len(sources))
			totals  = make([]int64, len(sources))
		)

		report := p.reporter(storage.StateFetching)
		partReport := func(i int) extension.ProgressFunc {
			return func(c, t int64) {
				mu.Lock()
				current[i], totals[i] = c, t

				var sumC, sumT int64
				for j := range current {
					sumC += current[j]
					sumT += totals[j]
				}
				mu.Unlock()

				report(sumC, sumT)
			}
		}

		g, gctx := errgroup.WithContext(ctx)

		for i, source := range sources {
			if parts[i] != "" {
				continue
			}

			g.Go(func() error {
				file, err := client.Download(gctx, dctx, source, partReport(i))
				if err != nil {
					return fmt.Errorf("failed to fetch source %s: %w", source.ID, err)
				}

				mu.Lock()
				parts[i] = file
				indexes, files := fetched(parts)
				mu.Unlock()

				return p.update(gctx, func(rec *storage.DownloadRecord) {
					rec.MergeIndexes = indexes
					rec.ToMergeFiles = files
				})
			})
		}

		if err := g.Wait(); err != nil {
			p.removeUnrecorded(ctx, parts)

			return err
		}

		return p.update(ctx, func(rec *storage.DownloadRecord) {
			rec.MergeIndexes = nil
			rec.ToMergeFiles = parts
		})
	})
}

// removeUnrecorded deletes fetched parts the record does not know about yet.
func (p *pipeline) removeUnrecorded(ctx context.Context, parts []string) {
	p.mu.Lock()
	recorded := slices.Clone(p.rec.ToMergeFiles)
	p.mu.Unlock()

	for _, f := range parts {
		if f == "" || slices.Contains(recorded, f) {
			continue
		}

		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "file_path", f, "err", err)
		}
	}
}

func fetched(parts []string) ([]int, []string) {
	var (
		indexes []int
		files   []string
	)

	for i, f := range parts {
		if f != "" {
			indexes = append(indexes, i)
			files = append(files, f)
		}
	}

	return indexes, files
}

func (p *pipeline) merge(ctx context.Context, client extension.DownloadClient, dctx extension.DownloadContext) error {
	return p.enter(ctx, storage.StateMerging, func(ctx context.Context) error {
		merged, err := client.Merge(ctx, dctx, p.rec.ToMergeFiles, p.reporter(storage.StateMerging))
		if err != nil {
			return fmt.Errorf("failed to merge parts: %w", err)
		}

		return p.update(ctx, func(rec *storage.DownloadRecord) {
			rec.ToMergeFiles = nil
			rec.ToTagFile = merged
		})
	})
}

func (p *pipeline) tag(ctx context.Context, client extension.DownloadClient, dctx extension.DownloadContext) error {
	return p.enter(ctx, storage.StateTagging, func(ctx context.Context) error {
		final, err := client.Tag(ctx, dctx, p.rec.ToTagFile, p.reporter(storage.StateTagging))
		if err != nil {
			return fmt.Errorf("failed to tag file: %w", err)
		}

		if err := p.update(ctx, func(rec *storage.DownloadRecord) {
			rec.ToTagFile = ""
			rec.FinalFile = final
			rec.FullyDownloaded = true
			rec.TaskState = storage.StateDone
		}); err != nil {
			return err
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download finished", "final_file", final)

		return nil
	})
}
