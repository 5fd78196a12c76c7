// Package extension defines the capability surface music sources implement
// and the registry the rest of the service resolves them from.
//
// An extension implements Extension plus any subset of the capability
// interfaces. Callers probe for a capability with As and get an
// *UnsupportedError when it is missing.
package extension

import (
	"context"
	"reflect"

	"github.com/italolelis/musichub_downloader/internal/media"
)

type Extension interface {
	ID() string
	Name() string
}

// Searcher never fails: backend errors degrade to an empty result.
type Searcher interface {
	Extension
	Search(ctx context.Context, query string) []media.Track
}

// StreamResolver returns the best quality playable URL of a track, or a
// *NotFoundError when there is none.
type StreamResolver interface {
	Extension
	StreamURL(ctx context.Context, track media.Track) (string, error)
}

type HomeFeedProvider interface {
	Extension
	HomeFeed(ctx context.Context) []media.Track
}

type AlbumProvider interface {
	Extension
	AlbumTracks(ctx context.Context, albumID string) []media.Track
}

type ArtistProvider interface {
	Extension
	ArtistTracks(ctx context.Context, artistID string) []media.Track
}

type PlaylistProvider interface {
	Extension
	PlaylistTracks(ctx context.Context, playlistID string) []media.Track
}

// TrackProvider is best effort: nil when the track cannot be resolved.
type TrackProvider interface {
	Extension
	Track(ctx context.Context, id string) *media.Track
}

// RadioProvider lists tracks related to a track, empty on failure.
type RadioProvider interface {
	Extension
	Radio(ctx context.Context, trackID string) []media.Track
}

// ServerLoader resolves the byte sources of one streamable of a track.
type ServerLoader interface {
	Extension
	LoadServer(ctx context.Context, track media.Track, streamable media.Streamable) (media.Server, error)
}

// DownloadContext is what a download client knows about the record it works on.
type DownloadContext struct {
	DownloadID int64
	Track      media.Track
	Context    *media.Item
	SortOrder  *int
	WorkDir    string
	TargetDir  string
}

// ProgressFunc receives the current and total amount of work of a stage.
// Total is 0 when unknown.
type ProgressFunc func(current, total int64)

// DownloadClient performs the fetch, merge and tag stages of a download.
type DownloadClient interface {
	Extension
	// DownloadConcurrency is the number of tasks the client wants to run at
	// once. Values below 1 mean no preference.
	DownloadConcurrency() int
	Download(ctx context.Context, dctx DownloadContext, source media.Source, report ProgressFunc) (string, error)
	Merge(ctx context.Context, dctx DownloadContext, files []string, report ProgressFunc) (string, error)
	Tag(ctx context.Context, dctx DownloadContext, file string, report ProgressFunc) (string, error)
}

// As probes ext for capability C.
func As[C any](ext Extension) (C, error) {
	c, ok := ext.(C)
	if !ok {
		var zero C

		return zero, &UnsupportedError{ExtensionID: ext.ID(), Capability: capabilityName[C]()}
	}

	return c, nil
}

func capabilityName[C any]() string {
	return reflect.TypeFor[C]().Name()
}

// Capabilities lists the capability names ext implements.
func Capabilities(ext Extension) []string {
	var caps []string

	add := func(ok bool, name string) {
		if ok {
			caps = append(caps, name)
		}
	}

	_, ok := ext.(Searcher)
	add(ok, "search")
	_, ok = ext.(StreamResolver)
	add(ok, "stream")
	_, ok = ext.(HomeFeedProvider)
	add(ok, "home_feed")
	_, ok = ext.(AlbumProvider)
	add(ok, "album")
	_, ok = ext.(ArtistProvider)
	add(ok, "artist")
	_, ok = ext.(PlaylistProvider)
	add(ok, "playlist")
	_, ok = ext.(TrackProvider)
	add(ok, "track")
	_, ok = ext.(RadioProvider)
	add(ok, "radio")
	_, ok = ext.(ServerLoader)
	add(ok, "server")
	_, ok = ext.(DownloadClient)
	add(ok, "download")

	return caps
}
