package unified

import (
	"context"
	"testing"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	id     string
	tracks []media.Track
	panics bool
}

func (f *fakeSource) ID() string   { return f.id }
func (f *fakeSource) Name() string { return f.id }

func (f *fakeSource) Search(context.Context, string) []media.Track {
	if f.panics {
		panic("boom")
	}

	return f.tracks
}

func (f *fakeSource) Track(_ context.Context, id string) *media.Track {
	for _, t := range f.tracks {
		if t.ID == id {
			return &t
		}
	}

	return nil
}

func (f *fakeSource) LoadServer(_ context.Context, track media.Track, streamable media.Streamable) (media.Server, error) {
	return media.Server{Sources: []media.Source{{ID: track.ID + "/" + streamable.ID + "/" + track.ExtensionID}}}, nil
}

func newUnified(t *testing.T) (*Extension, *extension.Registry) {
	t.Helper()

	reg := extension.NewRegistry()
	reg.Register(&fakeSource{id: "a", tracks: []media.Track{{
		ID:          "1",
		ExtensionID: "a",
		Title:       "From A",
		Artists:     []media.Artist{{ID: "art", Name: "Artist"}},
		Streamables: []media.Streamable{{ID: "s1"}},
	}}}, true)
	reg.Register(&fakeSource{id: "broken", panics: true}, true)
	reg.Register(&fakeSource{id: "b", tracks: []media.Track{{ID: "2", ExtensionID: "b", Title: "From B"}}}, true)
	reg.Register(&fakeSource{id: "off", tracks: []media.Track{{ID: "3", Title: "Disabled"}}}, false)

	u := New(reg)
	reg.Register(u, true)

	return u, reg
}

func TestSearchFansOutInRegistrationOrder(t *testing.T) {
	u, _ := newUnified(t)

	tracks := u.Search(context.Background(), "x")
	require.Len(t, tracks, 2)

	assert.Equal(t, "a::1", tracks[0].ID)
	assert.Equal(t, ID, tracks[0].ExtensionID)
	assert.Equal(t, "a::art", tracks[0].Artists[0].ID)
	assert.Equal(t, "a::s1", tracks[0].Streamables[0].ID)
	assert.Equal(t, "b::2", tracks[1].ID)
}

func TestDelegatesByPrefix(t *testing.T) {
	u, _ := newUnified(t)
	ctx := context.Background()

	track := u.Track(ctx, "b::2")
	require.NotNil(t, track)
	assert.Equal(t, "b::2", track.ID)

	assert.Nil(t, u.Track(ctx, "b::missing"))
	assert.Nil(t, u.Track(ctx, "off::3"))
	assert.Nil(t, u.Track(ctx, "no-prefix"))
	assert.Empty(t, u.Radio(ctx, "a::1"))

	tracks := u.Search(ctx, "x")

	server, err := u.LoadServer(ctx, tracks[0], tracks[0].Streamables[0])
	require.NoError(t, err)
	assert.Equal(t, "1/s1/a", server.Sources[0].ID)

	_, err = u.StreamURL(ctx, tracks[0])

	var unsupported *extension.UnsupportedError
	require.ErrorAs(t, err, &unsupported)
}

func TestJoinSplit(t *testing.T) {
	id := Join("piped", "piped:album:X")
	assert.Equal(t, "piped::piped:album:X", id)

	ext, inner, ok := Split(id)
	require.True(t, ok)
	assert.Equal(t, "piped", ext)
	assert.Equal(t, "piped:album:X", inner)

	assert.Empty(t, Join("piped", ""))
}
