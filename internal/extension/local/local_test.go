package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/tagger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrack(t *testing.T, dir, name string, m tagger.Metadata, mod time.Time) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	_, err := tagger.Tag(path, m)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func newLibrary(t *testing.T) *Extension {
	t.Helper()

	dir := t.TempDir()
	now := time.Now()

	writeTrack(t, dir, "band/record/02.mp3", tagger.Metadata{Title: "Second", Artist: "Band", Album: "Record", TrackNumber: 2}, now.Add(-time.Hour))
	writeTrack(t, dir, "band/record/01.mp3", tagger.Metadata{Title: "First", Artist: "Band", Album: "Record", TrackNumber: 1}, now.Add(-2*time.Hour))
	writeTrack(t, dir, "solo/hit.mp3", tagger.Metadata{Title: "Hit", Artist: "Solo"}, now)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untagged.flac"), []byte("raw"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "untagged.flac"), now.Add(-3*time.Hour), now.Add(-3*time.Hour)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cover.jpg"), []byte("img"), 0o644))

	ext := New(dir)
	require.NoError(t, ext.Index(context.Background()))

	return ext
}

func TestIndexAndSearch(t *testing.T) {
	ext := newLibrary(t)
	ctx := context.Background()

	assert.Len(t, ext.filter(func(*entry) bool { return true }), 4)

	found := ext.Search(ctx, "record")
	assert.Len(t, found, 2)

	found = ext.Search(ctx, "UNTAGGED")
	require.Len(t, found, 1)
	assert.Equal(t, "untagged.flac", found[0].ID)
	assert.Empty(t, found[0].Artists)

	assert.Empty(t, ext.Search(ctx, "  "))
}

func TestAlbumArtistRadio(t *testing.T) {
	ext := newLibrary(t)
	ctx := context.Background()

	album := ext.AlbumTracks(ctx, extension.Namespace(AlbumPrefix, "Record"))
	require.Len(t, album, 2)
	assert.Equal(t, "First", album[0].Title)
	assert.Equal(t, "Second", album[1].Title)

	artist := ext.ArtistTracks(ctx, album[0].Artists[0].ID)
	assert.Len(t, artist, 2)

	radio := ext.Radio(ctx, "band/record/01.mp3")
	require.Len(t, radio, 1)
	assert.Equal(t, "Second", radio[0].Title)

	assert.Empty(t, ext.Radio(ctx, "missing"))

	home := ext.HomeFeed(ctx)
	require.NotEmpty(t, home)
	assert.Equal(t, "Hit", home[0].Title)
}

func TestStreamAndServer(t *testing.T) {
	ext := newLibrary(t)
	ctx := context.Background()

	track := ext.Track(ctx, "solo/hit.mp3")
	require.NotNil(t, track)

	url, err := ext.StreamURL(ctx, *track)
	require.NoError(t, err)
	assert.Contains(t, url, "file://")

	server, err := ext.LoadServer(ctx, *track, media.Streamable{})
	require.NoError(t, err)
	require.Len(t, server.Sources, 1)
	assert.Equal(t, "audio/mpeg", server.Sources[0].MimeType)

	_, err = ext.LoadServer(ctx, media.Track{ID: "nope"}, media.Streamable{})

	var notFound *extension.NotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.Nil(t, ext.Track(ctx, "nope"))
}

func TestNotDownloadCapable(t *testing.T) {
	_, err := extension.As[extension.DownloadClient](New(t.TempDir()))

	var unsupported *extension.UnsupportedError
	require.ErrorAs(t, err, &unsupported)
}
