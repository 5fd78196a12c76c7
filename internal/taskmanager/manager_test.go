package taskmanager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClient struct {
	gate      chan struct{}
	fetchErr  error
	active    atomic.Int32
	maxActive atomic.Int32
	downloads atomic.Int32
}

func (c *fakeClient) ID() string               { return "fake" }
func (c *fakeClient) Name() string             { return "Fake" }
func (c *fakeClient) DownloadConcurrency() int { return 0 }

func (c *fakeClient) Download(ctx context.Context, dctx extension.DownloadContext, source media.Source, report extension.ProgressFunc) (string, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)

	for {
		m := c.maxActive.Load()
		if n <= m || c.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	c.downloads.Add(1)

	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if c.fetchErr != nil {
		return "", c.fetchErr
	}

	report(int64(len(source.ID)), int64(len(source.ID)))

	path := filepath.Join(dctx.WorkDir, dctx.Track.ID+"-"+source.ID+".part")
	if err := os.WriteFile(path, []byte(source.ID), 0o644); err != nil {
		return "", err
	}

	return path, nil
}

func (c *fakeClient) Merge(_ context.Context, dctx extension.DownloadContext, files []string, report extension.ProgressFunc) (string, error) {
	var merged []byte

	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}

		merged = append(merged, b...)
	}

	report(1, 1)

	path := filepath.Join(dctx.WorkDir, dctx.Track.ID+".merged")

	return path, os.WriteFile(path, merged, 0o644)
}

func (c *fakeClient) Tag(_ context.Context, dctx extension.DownloadContext, file string, _ extension.ProgressFunc) (string, error) {
	final := filepath.Join(dctx.TargetDir, dctx.Track.ID+".out")

	return final, os.Rename(file, final)
}

type fakeResolver struct {
	calls  atomic.Int32
	server media.Server
}

func (r *fakeResolver) GetServer(context.Context, storage.DownloadRecord) (media.Server, error) {
	r.calls.Add(1)

	return r.server, nil
}

type harness struct {
	store    storage.Repository
	manager  *Manager
	client   *fakeClient
	resolver *fakeResolver
	work     string
	target   string
}

func newHarness(t *testing.T, concurrency int, client *fakeClient, withExtension bool) *harness {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	h := &harness{
		store:    sqlite.NewInstrumentedDownloadRepository(db, nil),
		client:   client,
		resolver: &fakeResolver{server: media.Server{Sources: []media.Source{{ID: "low", Quality: 1}, {ID: "high", Quality: 2}}}},
		work:     filepath.Join(dir, "work"),
		target:   filepath.Join(dir, "target"),
	}

	require.NoError(t, os.MkdirAll(h.work, 0o755))
	require.NoError(t, os.MkdirAll(h.target, 0o755))

	registry := extension.NewRegistry()
	if withExtension {
		registry.Register(client, true)
	}

	h.manager = New(h.store, h.resolver, registry, FileFailureWriter{Dir: filepath.Join(h.work, "exceptions")}, Options{
		Concurrency: concurrency,
		WorkDir:     h.work,
		TargetDir:   h.target,
	})

	t.Cleanup(func() {
		h.manager.Close()
		db.Close()
	})

	return h
}

func (h *harness) insert(t *testing.T, trackID string) storage.DownloadRecord {
	t.Helper()

	payload, err := media.EncodeTrack(media.Track{ID: trackID, ExtensionID: "fake", Title: trackID})
	require.NoError(t, err)

	id, err := h.store.InsertDownload(context.Background(), storage.DownloadRecord{
		ExtensionID:  "fake",
		TrackID:      trackID,
		TrackPayload: payload,
	})
	require.NoError(t, err)

	rec, err := h.store.GetDownload(context.Background(), id)
	require.NoError(t, err)

	return rec
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Wait(ctx))
}

func TestTaskRunsThroughEveryStage(t *testing.T) {
	h := newHarness(t, 2, &fakeClient{}, true)
	ctx := context.Background()

	rec := h.insert(t, "t1")
	require.NoError(t, h.manager.Enqueue(ctx, rec))

	waitIdle(t, h.manager)

	got, err := h.store.GetDownload(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.StateDone, got.TaskState)
	assert.True(t, got.FullyDownloaded)
	assert.Empty(t, got.ExceptionFile)
	assert.Empty(t, got.ToTagFile)
	assert.Equal(t, "t1", got.StreamableID)
	assert.Equal(t, filepath.Join(h.target, "t1.out"), got.FinalFile)

	content, err := os.ReadFile(got.FinalFile)
	require.NoError(t, err)
	assert.Equal(t, "high", string(content))

	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Empty(t, h.manager.Progress())
	assert.Empty(t, h.manager.Active())
}

func TestMergedServerFetchesEveryPartInOrder(t *testing.T) {
	h := newHarness(t, 1, &fakeClient{}, true)
	h.resolver.server = media.Server{Merged: true, Sources: []media.Source{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	ctx := context.Background()

	rec := h.insert(t, "t1")
	require.NoError(t, h.manager.Enqueue(ctx, rec))

	waitIdle(t, h.manager)

	got, err := h.store.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.FullyDownloaded)
	assert.Empty(t, got.MergeIndexes)
	assert.Empty(t, got.ToMergeFiles)

	content, err := os.ReadFile(got.FinalFile)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestConcurrencyBoundsRunningTasks(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(t, 2, client, true)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		require.NoError(t, h.manager.Enqueue(ctx, h.insert(t, id)))
	}

	require.Eventually(t, func() bool { return client.active.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	for range 20 {
		records, err := h.store.GetDownloads(ctx)
		require.NoError(t, err)

		running := 0
		for _, rec := range records {
			if rec.TaskState.Running() {
				running++
			}
		}

		assert.LessOrEqual(t, running, 2)
		assert.Len(t, h.manager.Active(), 2)

		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 5, h.manager.Pending())

	close(client.gate)
	waitIdle(t, h.manager)

	assert.Equal(t, int32(2), client.maxActive.Load())
	assert.Equal(t, int32(5), client.downloads.Load())

	records, err := h.store.GetDownloads(ctx)
	require.NoError(t, err)

	for _, rec := range records {
		assert.Equal(t, storage.StateDone, rec.TaskState, rec.TrackID)
	}
}

func TestSetConcurrencyStartsQueuedTasks(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(t, 1, client, true)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, h.manager.Enqueue(ctx, h.insert(t, id)))
	}

	require.Eventually(t, func() bool { return client.active.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	h.manager.SetConcurrency(3)
	assert.Equal(t, 3, h.manager.Concurrency())

	require.Eventually(t, func() bool { return client.active.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	h.manager.SetConcurrency(0)
	assert.Equal(t, 1, h.manager.Concurrency())
	assert.Len(t, h.manager.Active(), 3)

	close(client.gate)
	waitIdle(t, h.manager)
}

func TestFetchFailureIsPersisted(t *testing.T) {
	h := newHarness(t, 2, &fakeClient{fetchErr: errors.New("connection reset")}, true)
	ctx := context.Background()

	rec := h.insert(t, "t1")
	require.NoError(t, h.manager.Enqueue(ctx, rec))

	waitIdle(t, h.manager)

	got, err := h.store.GetDownload(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.StateFailed, got.TaskState)
	assert.Empty(t, got.FinalFile)
	assert.False(t, got.FullyDownloaded)
	require.NotEmpty(t, got.ExceptionFile)

	failure, err := ReadFailure(got.ExceptionFile)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, failure.DownloadID)
	assert.Equal(t, "t1", failure.TrackID)
	assert.Equal(t, string(storage.StateFetching), failure.Stage)
	assert.Contains(t, failure.Cause, "connection reset")
}

func TestMissingDownloadExtensionFailsWhileResolving(t *testing.T) {
	h := newHarness(t, 2, &fakeClient{}, false)
	ctx := context.Background()

	rec := h.insert(t, "t1")
	require.NoError(t, h.manager.Enqueue(ctx, rec))

	waitIdle(t, h.manager)

	got, err := h.store.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.ExceptionFile)

	failure, err := ReadFailure(got.ExceptionFile)
	require.NoError(t, err)
	assert.Equal(t, string(storage.StateResolving), failure.Stage)
	assert.Contains(t, failure.Cause, extension.ErrNoDownloadExtension.Error())
	assert.Zero(t, h.resolver.calls.Load())
}

func TestRemoveCancelsRunningAndQueuedTasks(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(t, 1, client, true)
	ctx := context.Background()

	running := h.insert(t, "t1")
	queued := h.insert(t, "t2")

	require.NoError(t, h.manager.Enqueue(ctx, running))
	require.NoError(t, h.manager.Enqueue(ctx, queued))

	require.Eventually(t, func() bool { return client.active.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{running.ID}, h.manager.Active())

	require.NoError(t, h.manager.Remove(ctx, queued.ID))
	assert.False(t, h.manager.Has(queued.ID))

	require.NoError(t, h.manager.Remove(ctx, running.ID))
	assert.False(t, h.manager.Has(running.ID))
	assert.Zero(t, h.manager.Pending())

	got, err := h.store.GetDownload(ctx, running.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExceptionFile)
	assert.False(t, got.FullyDownloaded)

	assert.Equal(t, int32(1), client.downloads.Load())
}

func TestRemoveAll(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(t, 2, client, true)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, h.manager.Enqueue(ctx, h.insert(t, id)))
	}

	require.Eventually(t, func() bool { return client.active.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.RemoveAll(ctx))
	assert.Zero(t, h.manager.Pending())
	waitIdle(t, h.manager)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(t, 2, client, true)
	ctx := context.Background()

	rec := h.insert(t, "t1")
	require.NoError(t, h.manager.Enqueue(ctx, rec))
	require.NoError(t, h.manager.Enqueue(ctx, rec))

	assert.Equal(t, 1, h.manager.Pending())

	close(client.gate)
	waitIdle(t, h.manager)

	assert.Equal(t, int32(1), client.downloads.Load())
}

func TestResumeSkipsCompletedFetch(t *testing.T) {
	h := newHarness(t, 1, &fakeClient{}, true)
	ctx := context.Background()

	rec := h.insert(t, "t1")

	part := filepath.Join(h.work, "t1-done.part")
	require.NoError(t, os.WriteFile(part, []byte("resumed"), 0o644))

	rec.TaskState = storage.StateMerging
	rec.ToMergeFiles = []string{part}
	require.NoError(t, h.store.UpdateDownload(ctx, rec))

	require.NoError(t, h.manager.Enqueue(ctx, rec))
	waitIdle(t, h.manager)

	got, err := h.store.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.FullyDownloaded)

	content, err := os.ReadFile(got.FinalFile)
	require.NoError(t, err)
	assert.Equal(t, "resumed", string(content))

	assert.Zero(t, h.resolver.calls.Load())
	assert.Zero(t, h.client.downloads.Load())
}

func TestResumeFetchesMissingParts(t *testing.T) {
	h := newHarness(t, 1, &fakeClient{}, true)
	h.resolver.server = media.Server{Merged: true, Sources: []media.Source{{ID: "a"}, {ID: "b"}}}
	ctx := context.Background()

	rec := h.insert(t, "t1")

	part := filepath.Join(h.work, "kept.part")
	require.NoError(t, os.WriteFile(part, []byte("A"), 0o644))

	rec.TaskState = storage.StateFetching
	rec.MergeIndexes = []int{0}
	rec.ToMergeFiles = []string{part}
	require.NoError(t, h.store.UpdateDownload(ctx, rec))

	require.NoError(t, h.manager.Enqueue(ctx, rec))
	waitIdle(t, h.manager)

	got, err := h.store.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.FullyDownloaded)

	content, err := os.ReadFile(got.FinalFile)
	require.NoError(t, err)
	assert.Equal(t, "Ab", string(content))
	assert.Equal(t, int32(1), h.client.downloads.Load())
}

func TestFinishedRecordIsSkipped(t *testing.T) {
	h := newHarness(t, 1, &fakeClient{}, true)
	ctx := context.Background()

	rec := h.insert(t, "t1")
	rec.FinalFile = "/music/t1.mp3"
	rec.TaskState = storage.StateDone
	require.NoError(t, h.store.UpdateDownload(ctx, rec))

	require.NoError(t, h.manager.Enqueue(ctx, rec))
	waitIdle(t, h.manager)

	assert.Zero(t, h.resolver.calls.Load())
}

func TestSubscribeSeesProgress(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(t, 1, client, true)
	ctx := context.Background()

	changes, unsubscribe := h.manager.Subscribe()
	defer unsubscribe()

	rec := h.insert(t, "t1")
	require.NoError(t, h.manager.Enqueue(ctx, rec))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress notification")
	}

	require.Eventually(t, func() bool {
		stages := h.manager.Progress()[rec.ID]

		return len(stages) == 2 && stages[0].Stage == storage.StateResolving && stages[1].Stage == storage.StateFetching
	}, 5*time.Second, 10*time.Millisecond)

	close(client.gate)
	waitIdle(t, h.manager)
}

func TestEnqueueAfterClose(t *testing.T) {
	h := newHarness(t, 1, &fakeClient{}, true)

	h.manager.Close()

	err := h.manager.Enqueue(context.Background(), h.insert(t, "t1"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestTaskErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := &TaskError{
		Stage:    storage.StateMerging,
		Download: storage.DownloadRecord{ID: 7, ExtensionID: "piped", TrackID: "abc"},
		Err:      cause,
	}

	assert.Equal(t, "download 7 (piped/abc) failed while merging: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}
