package downloader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
)

type cachedServer struct {
	server   media.Server
	lastUsed atomic.Int64
}

func (c *cachedServer) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

func serverKey(rec storage.DownloadRecord) string {
	return rec.ExtensionID + "/" + rec.TrackID
}

// GetServer resolves the byte sources of the record's track. Concurrent
// callers for the same track share one resolution, and a successful result
// is cached until the track is cancelled, restarted or left idle.
func (d *Downloader) GetServer(ctx context.Context, rec storage.DownloadRecord) (media.Server, error) {
	key := serverKey(rec)

	if cached, ok := d.servers.Get(key); ok {
		cached.touch()

		return cached.server, nil
	}

	ch := d.resolving.DoChan(key, func() (any, error) {
		if cached, ok := d.servers.Get(key); ok {
			return cached.server, nil
		}

		// Shared by every caller of key, so bounded by the resolve timeout
		// instead of the first caller's context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.resolveTimeout)
		defer cancel()

		server, err := d.resolveServer(rctx, rec)
		if err != nil {
			return media.Server{}, err
		}

		entry := &cachedServer{server: server}
		entry.touch()
		d.servers.Set(key, entry)

		return server, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return media.Server{}, res.Err
		}

		return res.Val.(media.Server), nil
	case <-ctx.Done():
		return media.Server{}, ctx.Err()
	}
}

func (d *Downloader) resolveServer(ctx context.Context, rec storage.DownloadRecord) (media.Server, error) {
	d.resolutions.Add(1)

	track, err := rec.Track()
	if err != nil {
		return media.Server{}, fmt.Errorf("failed to decode track: %w", err)
	}

	loader, err := extension.Lookup[extension.ServerLoader](d.extensions, rec.ExtensionID)
	if err != nil {
		return media.Server{}, err
	}

	streamable := media.Streamable{ID: rec.StreamableID}
	for _, s := range track.Streamables {
		if s.ID == rec.StreamableID {
			streamable = s

			break
		}
	}

	server, err := loader.LoadServer(ctx, track, streamable)
	if err != nil {
		return media.Server{}, fmt.Errorf("failed to load server: %w", err)
	}

	if len(server.Select()) == 0 {
		return media.Server{}, &ZeroSourcesError{ExtensionID: rec.ExtensionID, TrackID: rec.TrackID}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "resolved track server",
		"track_id", rec.TrackID,
		"extension_id", rec.ExtensionID,
		"sources", len(server.Sources))

	return server, nil
}

// evictServer forgets the cached server and any in-flight resolution of rec.
func (d *Downloader) evictServer(rec storage.DownloadRecord) {
	key := serverKey(rec)

	d.servers.Remove(key)
	d.resolving.Forget(key)
}

// sweepServers drops cached servers unused for longer than the idle timeout.
func (d *Downloader) sweepServers(now time.Time) int {
	removed := 0

	for item := range d.servers.IterBuffered() {
		if now.Sub(time.Unix(0, item.Val.lastUsed.Load())) < d.serverIdle {
			continue
		}

		if d.servers.RemoveCb(item.Key, func(_ string, v *cachedServer, exists bool) bool {
			return exists && v == item.Val
		}) {
			removed++
		}
	}

	return removed
}
