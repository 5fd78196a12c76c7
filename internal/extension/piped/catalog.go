package piped

import (
	"context"
	"net/url"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/fetch"
	"github.com/italolelis/musichub_downloader/internal/media"
)

func (e *Extension) Search(ctx context.Context, query string) []media.Track {
	res := fetch.One(ctx, e.client, "/search", url.Values{
		"q":      {query},
		"filter": {"music_songs"},
	}, fetch.JSON[searchResponse]())
	if res == nil {
		return []media.Track{}
	}

	return e.toTracks(res.Items)
}

func (e *Extension) StreamURL(ctx context.Context, track media.Track) (string, error) {
	res := e.streams(ctx, track.ID)
	if res == nil {
		return "", &extension.NotFoundError{ExtensionID: ID, TrackID: track.ID, Reason: "stream info unavailable"}
	}

	best, ok := bestAudio(res.AudioStreams)
	if !ok {
		return "", &extension.NotFoundError{ExtensionID: ID, TrackID: track.ID, Reason: "no audio streams"}
	}

	return best.URL, nil
}

func (e *Extension) Track(ctx context.Context, id string) *media.Track {
	res := e.streams(ctx, id)
	if res == nil {
		return nil
	}

	t, _ := e.toTrack(streamItem{
		URL:          "/watch?v=" + id,
		Title:        res.Title,
		Thumbnail:    res.ThumbnailURL,
		UploaderName: res.Uploader,
		UploaderURL:  res.UploaderURL,
		Duration:     res.Duration,
	})

	return &t
}

func (e *Extension) Radio(ctx context.Context, trackID string) []media.Track {
	res := e.streams(ctx, trackID)
	if res == nil {
		return []media.Track{}
	}

	return e.toTracks(res.RelatedStreams)
}

// HomeFeed lists trending music of the configured region.
func (e *Extension) HomeFeed(ctx context.Context) []media.Track {
	items := fetch.List(ctx, e.client, "/trending", url.Values{"region": {e.region}}, func(b []byte) ([]streamItem, error) {
		res, err := fetch.JSON[[]streamItem]()(b)
		if err != nil {
			return nil, err
		}

		return *res, nil
	})

	return e.toTracks(items)
}

func (e *Extension) AlbumTracks(ctx context.Context, albumID string) []media.Track {
	return e.playlist(ctx, extension.Strip(AlbumPrefix, albumID), true)
}

func (e *Extension) PlaylistTracks(ctx context.Context, playlistID string) []media.Track {
	return e.playlist(ctx, playlistID, false)
}

func (e *Extension) playlist(ctx context.Context, id string, asAlbum bool) []media.Track {
	res := fetch.One(ctx, e.client, "/playlists/"+url.PathEscape(id), nil, fetch.JSON[playlistResponse]())
	if res == nil {
		return []media.Track{}
	}

	tracks := e.toTracks(res.RelatedStreams)

	if asAlbum {
		album := &media.Album{
			ID:      extension.Namespace(AlbumPrefix, id),
			Title:   res.Name,
			Artists: artistOf(res.Uploader, res.UploaderURL),
			Cover:   res.ThumbnailURL,
		}

		for i := range tracks {
			tracks[i].Album = album
			tracks[i].TrackNumber = i + 1
		}
	}

	return tracks
}

func (e *Extension) ArtistTracks(ctx context.Context, artistID string) []media.Track {
	id := extension.Strip(ArtistPrefix, artistID)

	res := fetch.One(ctx, e.client, "/channel/"+url.PathEscape(id), nil, fetch.JSON[channelResponse]())
	if res == nil {
		return []media.Track{}
	}

	return e.toTracks(res.RelatedStreams)
}
