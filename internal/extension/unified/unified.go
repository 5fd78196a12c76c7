// Package unified aggregates the other enabled extensions behind one id space.
// Ids are "<extension id>::<id>".
package unified

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"golang.org/x/sync/errgroup"
)

const (
	ID = "unified"

	separator = "::"
)

// Extension resolves its sources from the registry on every call, so
// enabling or disabling a source takes effect immediately.
type Extension struct {
	registry *extension.Registry
}

func New(registry *extension.Registry) *Extension {
	return &Extension{registry: registry}
}

func (e *Extension) ID() string   { return ID }
func (e *Extension) Name() string { return "Unified" }

// Join builds a unified id.
func Join(extensionID, id string) string {
	if id == "" {
		return ""
	}

	return extensionID + separator + id
}

// Split reverses Join.
func Split(id string) (extensionID, inner string, ok bool) {
	return strings.Cut(id, separator)
}

func (e *Extension) sources() []extension.Extension {
	var out []extension.Extension

	for _, ext := range e.registry.Enabled() {
		if ext.ID() != ID {
			out = append(out, ext)
		}
	}

	return out
}

func (e *Extension) source(id string) (extension.Extension, string, error) {
	extID, inner, ok := Split(id)
	if !ok {
		return nil, "", fmt.Errorf("%w: id %q has no source prefix", extension.ErrExtensionNotFound, id)
	}

	if extID == ID {
		return nil, "", fmt.Errorf("%w: %s", extension.ErrExtensionNotFound, extID)
	}

	ext, err := e.registry.Get(extID)
	if err != nil {
		return nil, "", err
	}

	return ext, inner, nil
}

func wrapTrack(extID string, t media.Track) media.Track {
	t.ID = Join(extID, t.ID)
	t.ExtensionID = ID

	artists := make([]media.Artist, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = media.Artist{ID: Join(extID, a.ID), Name: a.Name}
	}

	t.Artists = artists

	if t.Album != nil {
		album := *t.Album
		album.ID = Join(extID, album.ID)
		t.Album = &album
	}

	streamables := make([]media.Streamable, len(t.Streamables))
	for i, st := range t.Streamables {
		st.ID = Join(extID, st.ID)
		streamables[i] = st
	}

	t.Streamables = streamables

	return t
}

func wrapTracks(extID string, tracks []media.Track) []media.Track {
	out := make([]media.Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, wrapTrack(extID, t))
	}

	return out
}

// unwrapTrack turns a unified track back into the source's own track.
func unwrapTrack(extID string, t media.Track) media.Track {
	_, t.ID, _ = Split(t.ID)
	t.ExtensionID = extID

	streamables := make([]media.Streamable, len(t.Streamables))
	for i, st := range t.Streamables {
		if _, inner, ok := Split(st.ID); ok {
			st.ID = inner
		}

		streamables[i] = st
	}

	t.Streamables = streamables

	return t
}

// Search queries every source concurrently and concatenates the results in
// registration order. A failing source contributes nothing.
func (e *Extension) Search(ctx context.Context, query string) []media.Track {
	sources := e.sources()
	results := make([][]media.Track, len(sources))

	g, gctx := errgroup.WithContext(ctx)

	for i, src := range sources {
		s, ok := src.(extension.Searcher)
		if !ok {
			continue
		}

		g.Go(func() error {
			results[i] = wrapTracks(s.ID(), guard(gctx, s.ID(), func() []media.Track {
				return s.Search(gctx, query)
			}))

			return nil
		})
	}

	_ = g.Wait()

	tracks := []media.Track{}
	for _, r := range results {
		tracks = append(tracks, r...)
	}

	return tracks
}

// HomeFeed merges the home feeds of every source.
func (e *Extension) HomeFeed(ctx context.Context) []media.Track {
	tracks := []media.Track{}

	for _, src := range e.sources() {
		if p, ok := src.(extension.HomeFeedProvider); ok {
			tracks = append(tracks, wrapTracks(p.ID(), guard(ctx, p.ID(), func() []media.Track {
				return p.HomeFeed(ctx)
			}))...)
		}
	}

	return tracks
}

func (e *Extension) Track(ctx context.Context, id string) *media.Track {
	p, inner, err := lookup[extension.TrackProvider](e, id)
	if err != nil {
		return nil
	}

	t := p.Track(ctx, inner)
	if t == nil {
		return nil
	}

	wrapped := wrapTrack(p.ID(), *t)

	return &wrapped
}

func (e *Extension) Radio(ctx context.Context, trackID string) []media.Track {
	p, inner, err := lookup[extension.RadioProvider](e, trackID)
	if err != nil {
		return []media.Track{}
	}

	return wrapTracks(p.ID(), p.Radio(ctx, inner))
}

func (e *Extension) AlbumTracks(ctx context.Context, albumID string) []media.Track {
	p, inner, err := lookup[extension.AlbumProvider](e, albumID)
	if err != nil {
		return []media.Track{}
	}

	return wrapTracks(p.ID(), p.AlbumTracks(ctx, inner))
}

func (e *Extension) ArtistTracks(ctx context.Context, artistID string) []media.Track {
	p, inner, err := lookup[extension.ArtistProvider](e, artistID)
	if err != nil {
		return []media.Track{}
	}

	return wrapTracks(p.ID(), p.ArtistTracks(ctx, inner))
}

func (e *Extension) PlaylistTracks(ctx context.Context, playlistID string) []media.Track {
	p, inner, err := lookup[extension.PlaylistProvider](e, playlistID)
	if err != nil {
		return []media.Track{}
	}

	return wrapTracks(p.ID(), p.PlaylistTracks(ctx, inner))
}

func (e *Extension) StreamURL(ctx context.Context, track media.Track) (string, error) {
	p, _, err := lookup[extension.StreamResolver](e, track.ID)
	if err != nil {
		return "", err
	}

	return p.StreamURL(ctx, unwrapTrack(p.ID(), track))
}

func (e *Extension) LoadServer(ctx context.Context, track media.Track, streamable media.Streamable) (media.Server, error) {
	p, _, err := lookup[extension.ServerLoader](e, track.ID)
	if err != nil {
		return media.Server{}, err
	}

	if _, inner, ok := Split(streamable.ID); ok {
		streamable.ID = inner
	}

	return p.LoadServer(ctx, unwrapTrack(p.ID(), track), streamable)
}

func lookup[C extension.Extension](e *Extension, id string) (C, string, error) {
	var zero C

	ext, inner, err := e.source(id)
	if err != nil {
		return zero, "", err
	}

	c, err := extension.As[C](ext)
	if err != nil {
		return zero, "", err
	}

	return c, inner, nil
}

// guard runs fn and turns a panicking source into an empty result.
func guard(ctx context.Context, extID string, fn func() []media.Track) (tracks []media.Track) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "extension panicked",
				"extension_id", extID, "panic", r, "stack", string(debug.Stack()))

			tracks = nil
		}
	}()

	return fn()
}
