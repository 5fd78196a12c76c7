package piped

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/tagger"
)

var unsafeChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

func sanitize(name string) string {
	name = strings.TrimSpace(unsafeChars.Replace(name))
	if name == "" {
		return "untitled"
	}

	return name
}

// finalPath is <target>/[<context title>/]<artist> - <title><ext>.
func finalPath(dctx extension.DownloadContext, ext string) string {
	name := dctx.Track.Title
	if artists := dctx.Track.ArtistNames(); artists != "" {
		name = artists + " - " + name
	}

	dir := dctx.TargetDir
	if dctx.Context != nil && dctx.Context.Title != "" {
		dir = filepath.Join(dir, sanitize(dctx.Context.Title))
	}

	return filepath.Join(dir, sanitize(name)+ext)
}

// moveToTarget moves file and its sidecar, if any, to target without
// overwriting an existing file.
func moveToTarget(file, target string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	target = uniquePath(target)

	if err := move(file, target); err != nil {
		return "", err
	}

	if _, err := os.Stat(tagger.SidecarPath(file)); err == nil {
		if err := move(tagger.SidecarPath(file), tagger.SidecarPath(target)); err != nil {
			return "", err
		}
	}

	return target, nil
}

func uniquePath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	candidate := path
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}

		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
}

// move renames src to dst and falls back to copying across devices.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}

	return os.Remove(src)
}

// copyFile copies src into a new dst. dst is removed when the copy fails.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}

	return nil
}
