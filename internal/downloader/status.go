package downloader

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/taskmanager"
)

// TaskInfo is a download joined with its context and the progress of its
// running stages.
type TaskInfo struct {
	Download  storage.DownloadRecord `json:"download"`
	Track     media.Track            `json:"track"`
	ContextID *int64                 `json:"context_id,omitempty"`
	Context   *media.Item            `json:"context,omitempty"`
	Progress  []taskmanager.Progress `json:"progress"`
}

// Status returns every download, busiest first.
func (d *Downloader) Status(ctx context.Context) ([]TaskInfo, error) {
	records, err := d.store.GetDownloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load downloads: %w", err)
	}

	contexts, err := d.store.GetContexts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load contexts: %w", err)
	}

	items := make(map[int64]*media.Item, len(contexts))

	for _, c := range contexts {
		item, err := c.Item()
		if err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to decode context", "context_id", c.ID, "err", err)

			continue
		}

		items[c.ID] = &item
	}

	progress := d.tasks.Progress()

	infos := make([]TaskInfo, 0, len(records))

	for _, rec := range records {
		info := TaskInfo{
			Download:  rec,
			ContextID: rec.ContextID,
			Progress:  progress[rec.ID],
		}

		if info.Progress == nil {
			info.Progress = []taskmanager.Progress{}
		}

		if track, err := rec.Track(); err == nil {
			info.Track = track
		}

		if rec.ContextID != nil {
			info.Context = items[*rec.ContextID]
		}

		infos = append(infos, info)
	}

	slices.SortStableFunc(infos, func(a, b TaskInfo) int {
		return cmp.Compare(len(b.Progress), len(a.Progress))
	})

	return infos, nil
}

// WatchStatus publishes the status on every store or progress change until
// ctx is done. A slow reader only sees the latest status.
func (d *Downloader) WatchStatus(ctx context.Context) <-chan []TaskInfo {
	out := make(chan []TaskInfo, 1)

	storeChanges, unsubscribeStore := d.store.Changes()
	progressChanges, unsubscribeProgress := d.tasks.Subscribe()

	go func() {
		defer close(out)
		defer unsubscribeStore()
		defer unsubscribeProgress()

		logger := logctx.LoggerFromContext(ctx)

		for {
			status, err := d.Status(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				logger.WarnContext(ctx, "failed to compute download status", "err", err)
			} else {
				publishLatest(out, status)
			}

			select {
			case <-ctx.Done():
				return
			case <-d.ctx.Done():
				return
			case <-storeChanges:
			case <-progressChanges:
			}
		}
	}()

	return out
}

func publishLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}
