// Package local serves the audio files of a directory as an offline source.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/tagger"
)

const (
	ID = "local"

	AlbumPrefix  = "local:album:"
	ArtistPrefix = "local:artist:"

	homeFeedSize = 50
)

var audioExtensions = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".webm": "audio/webm",
}

type entry struct {
	track   media.Track
	path    string
	size    int64
	modTime time.Time
}

// Extension keeps an in-memory index of the library, rebuilt by Index.
type Extension struct {
	root string

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func New(root string) *Extension {
	return &Extension{root: root, entries: map[string]*entry{}}
}

func (e *Extension) ID() string   { return ID }
func (e *Extension) Name() string { return "Local library" }

// Index walks the library and replaces the current index. Files whose tags
// cannot be read are indexed by file name.
func (e *Extension) Index(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	entries := map[string]*entry{}

	var order []string

	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := audioExtensions[ext]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(e.root, path)
		if err != nil {
			return err
		}

		id := filepath.ToSlash(rel)

		meta, err := tagger.Read(path)
		if err != nil {
			logger.DebugContext(ctx, "indexing untagged file", "file_path", path, "err", err)

			meta = tagger.Metadata{}
		}

		entries[id] = &entry{
			track:   toTrack(id, strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())), meta),
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		}
		order = append(order, id)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index library: %w", err)
	}

	e.mu.Lock()
	e.entries = entries
	e.order = order
	e.mu.Unlock()

	logger.InfoContext(ctx, "local library indexed", "root", e.root, "tracks", len(order))

	return nil
}

func toTrack(id, fallbackTitle string, m tagger.Metadata) media.Track {
	t := media.Track{
		ID:          id,
		ExtensionID: ID,
		Title:       m.Title,
		TrackNumber: m.TrackNumber,
		Streamables: []media.Streamable{{ID: id}},
	}

	if t.Title == "" {
		t.Title = fallbackTitle
	}

	if m.Artist != "" {
		t.Artists = []media.Artist{{ID: extension.Namespace(ArtistPrefix, m.Artist), Name: m.Artist}}
	}

	if m.Album != "" {
		t.Album = &media.Album{ID: extension.Namespace(AlbumPrefix, m.Album), Title: m.Album, Year: m.Year}
	}

	return t
}

func (e *Extension) filter(keep func(*entry) bool) []media.Track {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tracks := []media.Track{}

	for _, id := range e.order {
		if en := e.entries[id]; keep(en) {
			tracks = append(tracks, en.track)
		}
	}

	return tracks
}

func (e *Extension) lookup(id string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	en, ok := e.entries[id]

	return en, ok
}

// Search matches the query against title, artist and album, case-insensitively.
func (e *Extension) Search(_ context.Context, query string) []media.Track {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []media.Track{}
	}

	return e.filter(func(en *entry) bool {
		t := en.track
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.ArtistNames()), q) {
			return true
		}

		return t.Album != nil && strings.Contains(strings.ToLower(t.Album.Title), q)
	})
}

func (e *Extension) Track(_ context.Context, id string) *media.Track {
	en, ok := e.lookup(id)
	if !ok {
		return nil
	}

	t := en.track

	return &t
}

func (e *Extension) StreamURL(_ context.Context, track media.Track) (string, error) {
	en, ok := e.lookup(track.ID)
	if !ok {
		return "", &extension.NotFoundError{ExtensionID: ID, TrackID: track.ID, Reason: "not in library"}
	}

	return fileURL(en.path), nil
}

// LoadServer returns the library file as the single source of the track.
func (e *Extension) LoadServer(_ context.Context, track media.Track, _ media.Streamable) (media.Server, error) {
	en, ok := e.lookup(track.ID)
	if !ok {
		return media.Server{}, &extension.NotFoundError{ExtensionID: ID, TrackID: track.ID, Reason: "not in library"}
	}

	return media.Server{Sources: []media.Source{{
		ID:       track.ID,
		URL:      fileURL(en.path),
		MimeType: audioExtensions[strings.ToLower(filepath.Ext(en.path))],
		Size:     en.size,
	}}}, nil
}

func (e *Extension) AlbumTracks(_ context.Context, albumID string) []media.Track {
	title := extension.Strip(AlbumPrefix, albumID)

	tracks := e.filter(func(en *entry) bool {
		return en.track.Album != nil && en.track.Album.Title == title
	})

	sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].TrackNumber < tracks[j].TrackNumber })

	return tracks
}

func (e *Extension) ArtistTracks(_ context.Context, artistID string) []media.Track {
	name := extension.Strip(ArtistPrefix, artistID)

	return e.filter(func(en *entry) bool {
		return en.track.ArtistNames() == name
	})
}

// Radio returns the other tracks of the same artist.
func (e *Extension) Radio(_ context.Context, trackID string) []media.Track {
	seed, ok := e.lookup(trackID)
	if !ok || len(seed.track.Artists) == 0 {
		return []media.Track{}
	}

	artist := seed.track.ArtistNames()

	return e.filter(func(en *entry) bool {
		return en.track.ID != trackID && en.track.ArtistNames() == artist
	})
}

// HomeFeed lists the most recently modified tracks.
func (e *Extension) HomeFeed(_ context.Context) []media.Track {
	e.mu.RLock()

	entries := make([]*entry, 0, len(e.entries))
	for _, id := range e.order {
		entries = append(entries, e.entries[id])
	}

	e.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].modTime.After(entries[j].modTime) })

	tracks := []media.Track{}

	for i, en := range entries {
		if i == homeFeedSize {
			break
		}

		tracks = append(tracks, en.track)
	}

	return tracks
}

func fileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
