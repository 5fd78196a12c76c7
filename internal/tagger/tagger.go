// Package tagger embeds track metadata into downloaded files.
package tagger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/dhowden/tag"
	"github.com/italolelis/musichub_downloader/internal/media"
)

const sidecarExt = ".json"

// SidecarPath returns the path of the JSON sidecar written for path.
func SidecarPath(path string) string {
	return path + sidecarExt
}

type Metadata struct {
	Title       string `json:"title"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	AlbumArtist string `json:"album_artist,omitempty"`
	Year        int    `json:"year,omitempty"`
	TrackNumber int    `json:"track_number,omitempty"`
	Cover       string `json:"cover,omitempty"`
}

// FromTrack builds the metadata of t. sortOrder overrides the track number
// when the download belongs to a context.
func FromTrack(t media.Track, sortOrder *int) Metadata {
	m := Metadata{
		Title:       t.Title,
		Artist:      t.ArtistNames(),
		TrackNumber: t.TrackNumber,
		Cover:       t.Cover,
	}

	if t.Album != nil {
		m.Album = t.Album.Title
		m.Year = t.Album.Year

		names := make([]string, 0, len(t.Album.Artists))
		for _, a := range t.Album.Artists {
			names = append(names, a.Name)
		}

		m.AlbumArtist = strings.Join(names, ", ")
	}

	if sortOrder != nil {
		m.TrackNumber = *sortOrder + 1
	}

	return m
}

// Tag writes m into path and returns the path of the tagged file. MP3 files
// get ID3v2 frames, other containers get a JSON sidecar next to them.
func Tag(path string, m Metadata) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		if err := writeID3(path, m); err != nil {
			return "", err
		}

		return path, nil
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode sidecar: %w", err)
	}

	if err := os.WriteFile(SidecarPath(path), b, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sidecar: %w", err)
	}

	return path, nil
}

func writeID3(path string, m Metadata) error {
	t, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open id3 tag: %w", err)
	}
	defer t.Close()

	t.SetDefaultEncoding(id3v2.EncodingUTF8)
	t.SetTitle(m.Title)
	t.SetArtist(m.Artist)
	t.SetAlbum(m.Album)

	if m.Year > 0 {
		t.SetYear(strconv.Itoa(m.Year))
	}

	if m.TrackNumber > 0 {
		t.AddTextFrame(t.CommonID("Track number/Position in set"), t.DefaultEncoding(), strconv.Itoa(m.TrackNumber))
	}

	if m.AlbumArtist != "" {
		t.AddTextFrame(t.CommonID("Band/Orchestra/Accompaniment"), t.DefaultEncoding(), m.AlbumArtist)
	}

	if err := t.Save(); err != nil {
		return fmt.Errorf("failed to save id3 tag: %w", err)
	}

	return nil
}

// Read returns the metadata of path, from its sidecar when there is one and
// from the embedded tags otherwise.
func Read(path string) (Metadata, error) {
	if b, err := os.ReadFile(SidecarPath(path)); err == nil {
		var m Metadata
		if err := json.Unmarshal(b, &m); err != nil {
			return Metadata{}, fmt.Errorf("failed to decode sidecar: %w", err)
		}

		return m, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Metadata{}, fmt.Errorf("failed to read sidecar: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	md, err := tag.ReadFrom(f)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read tags: %w", err)
	}

	track, _ := md.Track()

	return Metadata{
		Title:       md.Title(),
		Artist:      md.Artist(),
		Album:       md.Album(),
		AlbumArtist: md.AlbumArtist(),
		Year:        md.Year(),
		TrackNumber: track,
	}, nil
}
