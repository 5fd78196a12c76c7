package taskmanager

import (
	"errors"
	"fmt"

	"github.com/italolelis/musichub_downloader/internal/storage"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("task manager is closed")

// TaskError is the failure of a download task: the stage it failed at, the
// record as it was at that point and the cause.
type TaskError struct {
	Stage    storage.TaskState
	Download storage.DownloadRecord
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("download %d (%s/%s) failed while %s: %v",
		e.Download.ID, e.Download.ExtensionID, e.Download.TrackID, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
