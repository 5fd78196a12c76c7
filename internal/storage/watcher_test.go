package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherCoalescesNotifications(t *testing.T) {
	w := NewWatcher()

	ch, cancel := w.Subscribe()
	defer cancel()

	w.Notify()
	w.Notify()
	w.Notify()

	<-ch

	select {
	case <-ch:
		t.Fatal("expected a single coalesced notification")
	default:
	}
}

func TestWatcherUnsubscribeClosesChannel(t *testing.T) {
	w := NewWatcher()

	ch, cancel := w.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Notifying without subscribers must not block or panic.
	w.Notify()
}

func TestTaskState(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.True(t, StateFetching.Running())
	assert.False(t, StateQueued.Running())
}

func TestResetTerminal(t *testing.T) {
	rec := DownloadRecord{
		ID:              7,
		ExtensionID:     "piped",
		TrackID:         "abc",
		TaskState:       StateFailed,
		ExceptionFile:   "/tmp/x.json",
		FinalFile:       "",
		ToMergeFiles:    []string{"a"},
		MergeIndexes:    []int{0},
		FullyDownloaded: false,
	}

	require.True(t, rec.Finished())

	rec.ResetTerminal()

	assert.Equal(t, int64(7), rec.ID)
	assert.Equal(t, "piped", rec.ExtensionID)
	assert.Equal(t, "abc", rec.TrackID)
	assert.Equal(t, StateQueued, rec.TaskState)
	assert.False(t, rec.Finished())
	assert.Empty(t, rec.ToMergeFiles)
	assert.Empty(t, rec.MergeIndexes)
}
