// Package piped is a music source backed by the Piped API, served by a list
// of public instances with failover.
package piped

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/fetch"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/progress"
)

const (
	ID = "piped"

	// AlbumPrefix marks playlist ids that represent albums.
	AlbumPrefix = "piped:album:"
	// ArtistPrefix marks channel ids that represent artists.
	ArtistPrefix = "piped:artist:"
)

// Extension implements every catalog capability plus downloading.
type Extension struct {
	client      *fetch.Client
	region      string
	concurrency int
	limiter     *progress.Limiter
}

type Option func(*Extension)

func WithRegion(region string) Option {
	return func(e *Extension) {
		e.region = region
	}
}

// WithConcurrency sets the download concurrency the extension advertises.
func WithConcurrency(n int) Option {
	return func(e *Extension) {
		e.concurrency = n
	}
}

// WithLimiter caps the bandwidth of every download.
func WithLimiter(l *progress.Limiter) Option {
	return func(e *Extension) {
		e.limiter = l
	}
}

func New(client *fetch.Client, opts ...Option) *Extension {
	e := &Extension{client: client, region: "US"}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Extension) ID() string   { return ID }
func (e *Extension) Name() string { return "Piped" }

type streamItem struct {
	URL          string `json:"url"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	Thumbnail    string `json:"thumbnail"`
	UploaderName string `json:"uploaderName"`
	UploaderURL  string `json:"uploaderUrl"`
	Duration     int64  `json:"duration"`
}

type searchResponse struct {
	Items []streamItem `json:"items"`
}

type audioStream struct {
	URL           string `json:"url"`
	Format        string `json:"format"`
	Quality       string `json:"quality"`
	MimeType      string `json:"mimeType"`
	Codec         string `json:"codec"`
	Bitrate       int    `json:"bitrate"`
	ContentLength int64  `json:"contentLength"`
}

type streamsResponse struct {
	Title          string        `json:"title"`
	Uploader       string        `json:"uploader"`
	UploaderURL    string        `json:"uploaderUrl"`
	ThumbnailURL   string        `json:"thumbnailUrl"`
	Duration       int64         `json:"duration"`
	AudioStreams   []audioStream `json:"audioStreams"`
	RelatedStreams []streamItem  `json:"relatedStreams"`
}

type playlistResponse struct {
	Name           string       `json:"name"`
	ThumbnailURL   string       `json:"thumbnailUrl"`
	Uploader       string       `json:"uploader"`
	UploaderURL    string       `json:"uploaderUrl"`
	RelatedStreams []streamItem `json:"relatedStreams"`
}

type channelResponse struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	AvatarURL      string       `json:"avatarUrl"`
	RelatedStreams []streamItem `json:"relatedStreams"`
}

// videoID extracts the id from "/watch?v=<id>" style urls.
func videoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	if v := u.Query().Get("v"); v != "" {
		return v
	}

	return strings.TrimPrefix(u.Path, "/")
}

// channelID extracts the id from "/channel/<id>" urls.
func channelID(raw string) string {
	return strings.TrimPrefix(raw, "/channel/")
}

func artistOf(name, uploaderURL string) []media.Artist {
	if name == "" {
		return nil
	}

	return []media.Artist{{
		ID:   extension.Namespace(ArtistPrefix, channelID(uploaderURL)),
		Name: strings.TrimSuffix(name, " - Topic"),
	}}
}

func (e *Extension) toTrack(it streamItem) (media.Track, bool) {
	if it.Type != "" && it.Type != "stream" {
		return media.Track{}, false
	}

	id := videoID(it.URL)
	if id == "" {
		return media.Track{}, false
	}

	return media.Track{
		ID:          id,
		ExtensionID: ID,
		Title:       it.Title,
		Artists:     artistOf(it.UploaderName, it.UploaderURL),
		Duration:    time.Duration(it.Duration) * time.Second,
		Cover:       it.Thumbnail,
		Streamables: []media.Streamable{{ID: id, Title: it.Title}},
	}, true
}

func (e *Extension) toTracks(items []streamItem) []media.Track {
	tracks := make([]media.Track, 0, len(items))

	for _, it := range items {
		if t, ok := e.toTrack(it); ok {
			tracks = append(tracks, t)
		}
	}

	return tracks
}

func (e *Extension) streams(ctx context.Context, id string) *streamsResponse {
	return fetch.One(ctx, e.client, "/streams/"+url.PathEscape(id), nil, fetch.JSON[streamsResponse]())
}

// bestAudio returns the audio stream with the highest bitrate.
func bestAudio(streams []audioStream) (audioStream, bool) {
	var (
		best  audioStream
		found bool
	)

	for _, s := range streams {
		if s.URL == "" {
			continue
		}

		if !found || s.Bitrate > best.Bitrate {
			best = s
			found = true
		}
	}

	return best, found
}
