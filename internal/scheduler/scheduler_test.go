package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnqueueKeepsPendingWork(t *testing.T) {
	s := New(context.Background(), WithPollInterval(10*time.Millisecond))
	defer s.Close()

	var allowed atomic.Bool

	var runs atomic.Int32

	work := Work{
		Name: "downloads",
		Constraints: []Constraint{func(context.Context) error {
			if !allowed.Load() {
				return errors.New("not yet")
			}

			return nil
		}},
		Run: func(context.Context) error {
			runs.Add(1)

			return nil
		},
	}

	require.NoError(t, s.Enqueue(work))
	require.NoError(t, s.Enqueue(work))
	require.NoError(t, s.Enqueue(work))

	assert.True(t, s.Pending("downloads"))
	assert.False(t, s.Running("downloads"))

	allowed.Store(true)

	require.Eventually(t, func() bool { return !s.Pending("downloads") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestEnqueueWhileRunningRunsOnceMore(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 4)

	var runs atomic.Int32

	work := Work{
		Name: "downloads",
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				started <- struct{}{}
				<-release
			}

			return nil
		},
	}

	require.NoError(t, s.Enqueue(work))
	<-started

	assert.True(t, s.Running("downloads"))

	require.NoError(t, s.Enqueue(work))
	require.NoError(t, s.Enqueue(work))

	close(release)

	require.Eventually(t, func() bool { return !s.Pending("downloads") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestWorkPanicIsContained(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	require.NoError(t, s.Enqueue(Work{Name: "boom", Run: func(context.Context) error { panic("boom") }}))

	require.Eventually(t, func() bool { return !s.Pending("boom") }, 5*time.Second, 10*time.Millisecond)

	var ran atomic.Bool

	require.NoError(t, s.Enqueue(Work{Name: "boom", Run: func(context.Context) error {
		ran.Store(true)

		return nil
	}}))

	require.Eventually(t, ran.Load, 5*time.Second, 10*time.Millisecond)
}

func TestCloseCancelsWaitingAndRunningWork(t *testing.T) {
	s := New(context.Background(), WithPollInterval(time.Hour))

	require.NoError(t, s.Enqueue(Work{
		Name:        "blocked",
		Constraints: []Constraint{func(context.Context) error { return errors.New("never") }},
		Run:         func(context.Context) error { return nil },
	}))

	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Work{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()

		return ctx.Err()
	}}))

	<-started

	s.Close()

	assert.False(t, s.Pending("blocked"))
	assert.False(t, s.Pending("running"))
	require.ErrorIs(t, s.Enqueue(Work{Name: "late"}), ErrClosed)
}

func TestStorageNotLow(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, StorageNotLow(t.TempDir(), 0)(ctx))

	err := StorageNotLow(t.TempDir(), 1<<62)(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage low")
}
