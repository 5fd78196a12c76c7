package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
)

const (
	feedCapacity   = 100
	feedSubscriber = 16
)

// FeedItem announces a finished download: the track itself, or the media
// item of its context once per context.
type FeedItem struct {
	DownloadID int64        `json:"download_id"`
	ContextID  *int64       `json:"context_id,omitempty"`
	Track      *media.Track `json:"track,omitempty"`
	Item       *media.Item  `json:"item,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Title is the display name of the finished track or item.
func (f FeedItem) Title() string {
	switch {
	case f.Item != nil:
		return f.Item.Title
	case f.Track != nil:
		return f.Track.Title
	default:
		return ""
	}
}

type feed struct {
	mu       sync.Mutex
	seen     map[int64]bool
	contexts map[int64]bool
	items    []FeedItem
	subs     map[chan FeedItem]struct{}
}

func newFeed() *feed {
	return &feed{
		seen:     map[int64]bool{},
		contexts: map[int64]bool{},
		subs:     map[chan FeedItem]struct{}{},
	}
}

// seed marks records finished before the process started as already fed.
func (f *feed) seed(records []storage.DownloadRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range records {
		if !rec.FullyDownloaded {
			continue
		}

		f.seen[rec.ID] = true

		if rec.ContextID != nil {
			f.contexts[*rec.ContextID] = true
		}
	}
}

func (f *feed) forget(id int64) {
	f.mu.Lock()
	delete(f.seen, id)
	f.mu.Unlock()
}

func (f *feed) forgetContext(id int64) {
	f.mu.Lock()
	delete(f.contexts, id)
	f.mu.Unlock()
}

// scan publishes records that became fully downloaded since the last scan.
// Records whose item cannot be built stay unseen and are retried next scan.
// The store is read under the feed lock so a concurrent forget is either
// applied before the read or after the scan.
func (f *feed) scan(ctx context.Context, store storage.DownloadReadRepository) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := store.GetDownloads(ctx)
	if err != nil {
		return err
	}

	var errs []error

	for _, rec := range records {
		if !rec.FullyDownloaded || f.seen[rec.ID] {
			continue
		}

		item := FeedItem{DownloadID: rec.ID, ContextID: rec.ContextID, FinishedAt: time.Now().UTC()}

		if rec.ContextID != nil {
			if f.contexts[*rec.ContextID] {
				f.seen[rec.ID] = true

				continue
			}

			c, err := store.GetContext(ctx, *rec.ContextID)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to load context of download %d: %w", rec.ID, err))

				continue
			}

			mediaItem, err := c.Item()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to decode context of download %d: %w", rec.ID, err))

				continue
			}

			item.Item = &mediaItem
			f.contexts[*rec.ContextID] = true
		} else {
			track, err := rec.Track()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to decode track of download %d: %w", rec.ID, err))

				continue
			}

			item.Track = &track
		}

		f.seen[rec.ID] = true
		f.publishLocked(ctx, item)
	}

	return errors.Join(errs...)
}

func (f *feed) publishLocked(ctx context.Context, item FeedItem) {
	f.items = append(f.items, item)
	if len(f.items) > feedCapacity {
		f.items = f.items[len(f.items)-feedCapacity:]
	}

	for ch := range f.subs {
		select {
		case ch <- item:
		default:
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "download feed subscriber is full, dropping item", "download_id", item.DownloadID)
		}
	}
}

func (f *feed) list() []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]FeedItem{}, f.items...)
}

func (f *feed) subscribe() (<-chan FeedItem, func()) {
	ch := make(chan FeedItem, feedSubscriber)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()

			close(ch)
		})
	}
}

// Feed returns the most recent feed items, oldest first.
func (d *Downloader) Feed() []FeedItem {
	return d.feed.list()
}

// SubscribeFeed delivers feed items published after the call.
func (d *Downloader) SubscribeFeed() (<-chan FeedItem, func()) {
	return d.feed.subscribe()
}

func (d *Downloader) watchFinished(changes <-chan struct{}, unsubscribe func()) {
	defer d.wg.Done()
	defer unsubscribe()

	logger := logctx.LoggerFromContext(d.ctx)

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-changes:
			if err := d.feed.scan(d.ctx, d.store); err != nil && d.ctx.Err() == nil {
				logger.Error("failed to update download feed", "err", err)
			}
		}
	}
}
