package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return NewInstrumentedDownloadRepository(db, nil)
}

func TestDownloadLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	changes, unsubscribe := repo.Changes()
	defer unsubscribe()

	order := 3
	id, err := repo.InsertDownload(ctx, storage.DownloadRecord{
		ExtensionID:  "piped",
		TrackID:      "abc",
		SortOrder:    &order,
		TrackPayload: `{"id":"abc"}`,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	<-changes

	rec, err := repo.GetDownload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StateQueued, rec.TaskState)
	assert.Equal(t, "abc", rec.TrackID)
	assert.Nil(t, rec.ContextID)
	require.NotNil(t, rec.SortOrder)
	assert.Equal(t, 3, *rec.SortOrder)
	assert.False(t, rec.CreatedAt.IsZero())

	rec.TaskState = storage.StateMerging
	rec.MergeIndexes = []int{0, 1}
	rec.ToMergeFiles = []string{"/w/a", "/w/b"}
	require.NoError(t, repo.UpdateDownload(ctx, rec))

	rec, err = repo.GetDownload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, rec.MergeIndexes)
	assert.Equal(t, []string{"/w/a", "/w/b"}, rec.ToMergeFiles)

	require.NoError(t, repo.DeleteDownload(ctx, id))

	_, err = repo.GetDownload(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = repo.UpdateDownload(ctx, rec)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestContextIsDeduplicatedAndCascades(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	first, err := repo.InsertContext(ctx, storage.ContextRecord{ItemID: "album-1", Payload: `{"id":"album-1"}`})
	require.NoError(t, err)

	second, err := repo.InsertContext(ctx, storage.ContextRecord{ItemID: "album-1", Payload: `{"id":"album-1"}`})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, track := range []string{"t1", "t2"} {
		_, err := repo.InsertDownload(ctx, storage.DownloadRecord{
			ExtensionID:  "piped",
			TrackID:      track,
			ContextID:    &first,
			TrackPayload: "{}",
		})
		require.NoError(t, err)
	}

	_, err = repo.InsertDownload(ctx, storage.DownloadRecord{ExtensionID: "piped", TrackID: "loose", TrackPayload: "{}"})
	require.NoError(t, err)

	contexts, err := repo.GetContexts(ctx)
	require.NoError(t, err)
	require.Len(t, contexts, 1)

	byItem, err := repo.GetContextByItemID(ctx, "album-1")
	require.NoError(t, err)
	assert.Equal(t, first, byItem.ID)

	downloads, err := repo.GetDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, downloads, 3)
	assert.Equal(t, "t1", downloads[0].TrackID)
	assert.Equal(t, "loose", downloads[2].TrackID)

	require.NoError(t, repo.DeleteContext(ctx, first))

	downloads, err = repo.GetDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "loose", downloads[0].TrackID)

	_, err = repo.GetContext(ctx, first)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResetInterruptedAndBulkDelete(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	states := []storage.TaskState{storage.StateFetching, storage.StateDone, storage.StateTagging, storage.StateQueued}

	var ids []int64

	for i, state := range states {
		id, err := repo.InsertDownload(ctx, storage.DownloadRecord{
			ExtensionID:  "piped",
			TrackID:      string(rune('a' + i)),
			TaskState:    state,
			TrackPayload: "{}",
		})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	n, err := repo.ResetInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	downloads, err := repo.GetDownloads(ctx)
	require.NoError(t, err)

	got := map[string]storage.TaskState{}
	for _, d := range downloads {
		got[d.TrackID] = d.TaskState
	}

	assert.Equal(t, map[string]storage.TaskState{
		"a": storage.StateQueued,
		"b": storage.StateDone,
		"c": storage.StateQueued,
		"d": storage.StateQueued,
	}, got)

	require.NoError(t, repo.DeleteDownloads(ctx, ids[:2]))
	require.NoError(t, repo.DeleteDownloads(ctx, nil))

	downloads, err = repo.GetDownloads(ctx)
	require.NoError(t, err)
	assert.Len(t, downloads, 2)
}
