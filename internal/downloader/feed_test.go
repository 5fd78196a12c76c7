package downloader

import (
	"context"
	"errors"
	"testing"

	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyContextStore struct {
	storage.DownloadReadRepository

	records  []storage.DownloadRecord
	context  storage.ContextRecord
	failures int
}

func (s *flakyContextStore) GetDownloads(context.Context) ([]storage.DownloadRecord, error) {
	return s.records, nil
}

func (s *flakyContextStore) GetContext(_ context.Context, id int64) (storage.ContextRecord, error) {
	if s.failures > 0 {
		s.failures--

		return storage.ContextRecord{}, errors.New("database is locked")
	}

	if id != s.context.ID {
		return storage.ContextRecord{}, storage.ErrNotFound
	}

	return s.context, nil
}

func TestFeedRetriesItemAfterContextLoadFailure(t *testing.T) {
	ctx := context.Background()

	albumPayload, err := media.EncodeItem(media.Item{Kind: media.KindAlbum, ID: "album-1", Title: "Album"})
	require.NoError(t, err)

	trackPayload, err := media.EncodeTrack(track("single"))
	require.NoError(t, err)

	contextID := int64(7)
	store := &flakyContextStore{
		records: []storage.DownloadRecord{
			{ID: 1, TrackID: "t1", ContextID: &contextID, FullyDownloaded: true},
			{ID: 2, TrackID: "t2", ContextID: &contextID, FullyDownloaded: true},
			{ID: 3, TrackID: "single", TrackPayload: trackPayload, FullyDownloaded: true},
		},
		context:  storage.ContextRecord{ID: contextID, ItemID: "album-1", Payload: albumPayload},
		failures: 2,
	}

	f := newFeed()

	require.Error(t, f.scan(ctx, store))

	items := f.list()
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].DownloadID)

	require.NoError(t, f.scan(ctx, store))

	items = f.list()
	require.Len(t, items, 2)
	require.NotNil(t, items[1].Item)
	assert.Equal(t, "Album", items[1].Title())
	assert.Equal(t, int64(1), items[1].DownloadID)

	require.NoError(t, f.scan(ctx, store))
	assert.Len(t, f.list(), 2)
}

func TestFeedSkipsUndecodableTrackWithoutBlockingOthers(t *testing.T) {
	ctx := context.Background()

	trackPayload, err := media.EncodeTrack(track("ok"))
	require.NoError(t, err)

	store := &flakyContextStore{
		records: []storage.DownloadRecord{
			{ID: 1, TrackID: "broken", TrackPayload: "{", FullyDownloaded: true},
			{ID: 2, TrackID: "ok", TrackPayload: trackPayload, FullyDownloaded: true},
		},
	}

	f := newFeed()

	require.Error(t, f.scan(ctx, store))
	require.Error(t, f.scan(ctx, store))

	items := f.list()
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].DownloadID)
}
