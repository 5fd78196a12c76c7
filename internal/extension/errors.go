package extension

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDownloadExtension is returned when no enabled extension can download.
	ErrNoDownloadExtension = errors.New("no download extension is enabled")

	ErrExtensionNotFound = errors.New("extension not found")
)

// NotFoundError is returned when an extension has nothing playable for a track.
type NotFoundError struct {
	ExtensionID string
	TrackID     string
	Reason      string
	Err         error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no playable source for track %s in %s: %s", e.TrackID, e.ExtensionID, e.Reason)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UnsupportedError is returned when an extension lacks a capability.
type UnsupportedError struct {
	ExtensionID string
	Capability  string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("extension %s does not support %s", e.ExtensionID, e.Capability)
}
