package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/storage"
)

// SweepOrphans deletes files under workDir that no download record refers to
// and that were last modified before minAge ago. Files still being written
// by a running task are younger than minAge or already recorded.
func SweepOrphans(ctx context.Context, records []storage.DownloadRecord, workDir string, minAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	referenced := map[string]bool{}

	for _, rec := range records {
		for _, f := range rec.ToMergeFiles {
			referenced[filepath.Clean(f)] = true
		}

		for _, f := range []string{rec.ToTagFile, rec.FinalFile, rec.ExceptionFile} {
			if f != "" {
				referenced[filepath.Clean(f)] = true
			}
		}
	}

	cutoff := time.Now().Add(-minAge)

	var (
		removed int
		freed   uint64
	)

	err := filepath.WalkDir(workDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if entry.IsDir() || referenced[filepath.Clean(path)] {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete orphaned file", "file_path", path, "err", err)

			return err
		}

		removed++
		freed += uint64(info.Size())

		logger.DebugContext(ctx, "deleted orphaned file", "file_path", path)

		return nil
	})

	if removed > 0 {
		logger.InfoContext(ctx, "swept orphaned files", "count", removed, "freed", humanize.Bytes(freed))
	}

	return removed, err
}
