package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Failure is the serialized form of a TaskError kept in the exception file.
type Failure struct {
	DownloadID  int64     `json:"download_id"`
	ExtensionID string    `json:"extension_id"`
	TrackID     string    `json:"track_id"`
	Stage       string    `json:"stage"`
	Error       string    `json:"error"`
	Cause       string    `json:"cause"`
	FailedAt    time.Time `json:"failed_at"`
}

// FailureWriter persists a task failure and returns where it was written.
type FailureWriter interface {
	WriteFailure(ctx context.Context, err *TaskError) (string, error)
}

// FileFailureWriter writes one JSON file per failure into Dir.
type FileFailureWriter struct {
	Dir string
}

func (w FileFailureWriter) WriteFailure(_ context.Context, taskErr *TaskError) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create exception directory: %w", err)
	}

	f := Failure{
		DownloadID:  taskErr.Download.ID,
		ExtensionID: taskErr.Download.ExtensionID,
		TrackID:     taskErr.Download.TrackID,
		Stage:       string(taskErr.Stage),
		Error:       taskErr.Error(),
		FailedAt:    time.Now().UTC(),
	}

	if taskErr.Err != nil {
		f.Cause = taskErr.Err.Error()
	}

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode failure: %w", err)
	}

	path := filepath.Join(w.Dir, fmt.Sprintf("%d-%s.json", taskErr.Download.ID, uuid.NewString()))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("failed to write exception file: %w", err)
	}

	return path, nil
}

// ReadFailure loads an exception file.
func ReadFailure(path string) (Failure, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Failure{}, fmt.Errorf("failed to read exception file: %w", err)
	}

	var f Failure
	if err := json.Unmarshal(b, &f); err != nil {
		return Failure{}, fmt.Errorf("failed to decode exception file: %w", err)
	}

	return f, nil
}
