package piped

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/progress"
	"github.com/italolelis/musichub_downloader/internal/tagger"
)

const (
	dirPerm          = 0o755
	progressInterval = 1 << 20 // 1MB
)

func (e *Extension) DownloadConcurrency() int {
	return e.concurrency
}

// LoadServer lists the audio streams of the track as sources. A server with
// zero sources is returned as is; deciding that it is unusable is up to the
// caller.
func (e *Extension) LoadServer(ctx context.Context, track media.Track, streamable media.Streamable) (media.Server, error) {
	id := streamable.ID
	if id == "" {
		id = track.ID
	}

	res := e.streams(ctx, id)
	if res == nil {
		return media.Server{}, &extension.NotFoundError{ExtensionID: ID, TrackID: track.ID, Reason: "stream info unavailable"}
	}

	sources := make([]media.Source, 0, len(res.AudioStreams))
	for i, s := range res.AudioStreams {
		if s.URL == "" {
			continue
		}

		sources = append(sources, media.Source{
			ID:       fmt.Sprintf("%s-%d", id, i),
			URL:      s.URL,
			Quality:  s.Bitrate,
			MimeType: s.MimeType,
			Size:     s.ContentLength,
		})
	}

	return media.Server{Sources: sources}, nil
}

// Download streams source into a partial file in the work directory.
func (e *Extension) Download(ctx context.Context, dctx extension.DownloadContext, source media.Source, report extension.ProgressFunc) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	body, size, err := e.client.Open(ctx, source.URL)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	defer body.Close()

	if size <= 0 {
		size = source.Size
	}

	if err := os.MkdirAll(dctx.WorkDir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	target := filepath.Join(dctx.WorkDir, uuid.NewString()+extensionFor(source.MimeType))

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create partial file: %w", err)
	}

	logger.InfoContext(ctx, "downloading source", "file_path", target, "file_size", humanize.Bytes(uint64(max(size, 0))))

	pr := progress.NewReader(e.limiter.Reader(ctx, body), size, progressInterval, func(read, total int64) {
		report(read, total)

		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(max(total, 0))))
	})

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()
		os.Remove(target)

		return "", fmt.Errorf("failed to copy source: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(target)

		return "", fmt.Errorf("failed to close partial file: %w", err)
	}

	return target, nil
}

// Merge concatenates the parts in order. A single part is returned untouched.
func (e *Extension) Merge(ctx context.Context, dctx extension.DownloadContext, files []string, report extension.ProgressFunc) (string, error) {
	switch len(files) {
	case 0:
		return "", errors.New("nothing to merge")
	case 1:
		report(1, 1)

		return files[0], nil
	}

	target := filepath.Join(dctx.WorkDir, uuid.NewString()+filepath.Ext(files[0]))

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create merged file: %w", err)
	}

	for i, f := range files {
		if err := appendFile(out, f); err != nil {
			out.Close()
			os.Remove(target)

			return "", err
		}

		report(int64(i+1), int64(len(files)))
	}

	if err := out.Close(); err != nil {
		os.Remove(target)

		return "", fmt.Errorf("failed to close merged file: %w", err)
	}

	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove merged part", "file_path", f, "err", err)
		}
	}

	return target, nil
}

// Tag embeds the track metadata and moves the file into the target directory.
func (e *Extension) Tag(ctx context.Context, dctx extension.DownloadContext, file string, report extension.ProgressFunc) (string, error) {
	tagged, err := tagger.Tag(file, tagger.FromTrack(dctx.Track, dctx.SortOrder))
	if err != nil {
		return "", err
	}

	report(1, 2)

	final, err := moveToTarget(tagged, finalPath(dctx, filepath.Ext(tagged)))
	if err != nil {
		return "", err
	}

	report(2, 2)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download finalized", "file_path", final)

	return final, nil
}

func appendFile(out io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open part: %w", err)
	}
	defer in.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to append part: %w", err)
	}

	return nil
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")

	switch strings.TrimSpace(base) {
	case "audio/mp4":
		return ".m4a"
	case "audio/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
