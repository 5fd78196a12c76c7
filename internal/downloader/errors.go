package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFailure is returned by Failure for a record that did not fail.
	ErrNoFailure = errors.New("download has no failure record")
	ErrClosed    = errors.New("downloader is closed")
)

// ZeroSourcesError is returned when the server resolved for a track has no
// usable source.
type ZeroSourcesError struct {
	ExtensionID string
	TrackID     string
}

func (e *ZeroSourcesError) Error() string {
	return fmt.Sprintf("no playable sources for track %s of extension %s", e.TrackID, e.ExtensionID)
}
