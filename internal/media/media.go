// Package media holds the value types shared by extensions, the task pipeline
// and the store. Track and Item are also the JSON payloads persisted in the
// download and context records.
package media

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ItemKind identifies what a media Item points at.
type ItemKind string

const (
	KindTrack    ItemKind = "track"
	KindAlbum    ItemKind = "album"
	KindPlaylist ItemKind = "playlist"
	KindArtist   ItemKind = "artist"
)

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Album struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Artists []Artist `json:"artists,omitempty"`
	Cover   string   `json:"cover,omitempty"`
	Year    int      `json:"year,omitempty"`
}

// Streamable is one playable variant advertised by a track. The server for it
// is only resolved when a download actually starts.
type Streamable struct {
	ID      string `json:"id"`
	Quality int    `json:"quality"`
	Title   string `json:"title,omitempty"`
}

type Track struct {
	ID          string            `json:"id"`
	ExtensionID string            `json:"extension_id"`
	Title       string            `json:"title"`
	Artists     []Artist          `json:"artists,omitempty"`
	Album       *Album            `json:"album,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Cover       string            `json:"cover,omitempty"`
	TrackNumber int               `json:"track_number,omitempty"`
	Streamables []Streamable      `json:"streamables,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// ArtistNames joins the artist names for display and tagging.
func (t Track) ArtistNames() string {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}

	return strings.Join(names, ", ")
}

// BestStreamable returns the streamable with the highest quality, if any.
func (t Track) BestStreamable() (Streamable, bool) {
	if len(t.Streamables) == 0 {
		return Streamable{}, false
	}

	best := t.Streamables[0]
	for _, s := range t.Streamables[1:] {
		if s.Quality > best.Quality {
			best = s
		}
	}

	return best, true
}

// Item is a reference to a media item a batch of downloads was started from.
type Item struct {
	Kind    ItemKind `json:"kind"`
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Cover   string   `json:"cover,omitempty"`
	Artists []Artist `json:"artists,omitempty"`
}

// ItemFromTrack wraps a single track as a media item.
func ItemFromTrack(t Track) Item {
	return Item{Kind: KindTrack, ID: t.ID, Title: t.Title, Cover: t.Cover, Artists: t.Artists}
}

// Source is a single byte source of a server.
type Source struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Quality  int    `json:"quality"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Server is the resolved set of byte sources for one streamable. Merged
// servers are split in parts that must all be fetched and concatenated.
type Server struct {
	Sources []Source `json:"sources"`
	Merged  bool     `json:"merged"`
}

// Select returns the sources that have to be fetched: every part of a merged
// server, otherwise the single source with the highest quality.
func (s Server) Select() []Source {
	if len(s.Sources) == 0 {
		return nil
	}

	if s.Merged {
		return s.Sources
	}

	best := s.Sources[0]
	for _, src := range s.Sources[1:] {
		if src.Quality > best.Quality {
			best = src
		}
	}

	return []Source{best}
}

// EncodeTrack serializes a track into its record payload.
func EncodeTrack(t Track) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode track: %w", err)
	}

	return string(b), nil
}

// DecodeTrack parses a record payload back into a track.
func DecodeTrack(payload string) (Track, error) {
	var t Track
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return Track{}, fmt.Errorf("failed to decode track: %w", err)
	}

	return t, nil
}

func EncodeItem(i Item) (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("failed to encode item: %w", err)
	}

	return string(b), nil
}

func DecodeItem(payload string) (Item, error) {
	var i Item
	if err := json.Unmarshal([]byte(payload), &i); err != nil {
		return Item{}, fmt.Errorf("failed to decode item: %w", err)
	}

	return i, nil
}
