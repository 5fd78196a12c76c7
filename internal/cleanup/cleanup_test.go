package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweepOrphans(t *testing.T) {
	dir := t.TempDir()

	part := filepath.Join(dir, "part-1.webm")
	toTag := filepath.Join(dir, "merged.webm")
	exception := filepath.Join(dir, "exceptions", "1-abc.json")
	orphan := filepath.Join(dir, "crashed.webm")
	orphanException := filepath.Join(dir, "exceptions", "9-old.json")
	fresh := filepath.Join(dir, "in-progress.webm")

	for _, f := range []string{part, toTag, exception, orphan, orphanException} {
		writeFile(t, f, 2*time.Hour)
	}

	writeFile(t, fresh, 0)

	records := []storage.DownloadRecord{
		{ID: 1, ToMergeFiles: []string{part}, ExceptionFile: exception},
		{ID: 2, ToTagFile: toTag},
	}

	removed, err := SweepOrphans(context.Background(), records, dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, f := range []string{part, toTag, exception, fresh} {
		assert.FileExists(t, f)
	}

	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, orphanException)
}

func TestSweepOrphansMissingDir(t *testing.T) {
	removed, err := SweepOrphans(context.Background(), nil, filepath.Join(t.TempDir(), "missing"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
