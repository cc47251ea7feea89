package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whatsbot/internal/metrics"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSample struct {
	userID  string
	authRef string
	kind    metrics.TimingKind
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []recordedSample
}

func (f *fakeRecorder) Record(userID, authRef string, kind metrics.TimingKind, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, recordedSample{userID, authRef, kind})
}

func (f *fakeRecorder) all() []recordedSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSample(nil), f.samples...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func closeQueue(t *testing.T, q *TaskQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestEnqueue_PreservesOrderDespiteDelays(t *testing.T) {
	q := New(Options{}, testLogger())

	var (
		mu  sync.Mutex
		got []int
	)
	for i, delay := range []time.Duration{30, 5, 20} {
		i, delay := i, delay*time.Millisecond
		_, err := q.Enqueue("1555", func(context.Context) error {
			time.Sleep(delay)
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	closeQueue(t, q)
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestEnqueue_NeverRunsSameUserConcurrently(t *testing.T) {
	q := New(Options{}, testLogger())

	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue("u1", func(context.Context) error {
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	closeQueue(t, q)
	assert.Equal(t, 1, maxSeen)
}

func TestEnqueue_UsersDoNotBlockEachOther(t *testing.T) {
	q := New(Options{}, testLogger())
	release := make(chan struct{})
	bDone := make(chan struct{})

	_, err := q.Enqueue("A", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	_, err = q.Enqueue("B", func(context.Context) error {
		close(bDone)
		return errors.New("B failed")
	})
	require.NoError(t, err)

	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("task for B was blocked by A")
	}
	close(release)
	closeQueue(t, q)
}

func TestDrain_ContinuesAfterErrorAndPanic(t *testing.T) {
	q := New(Options{}, testLogger())
	var ran []string
	var mu sync.Mutex
	mark := func(s string) {
		mu.Lock()
		ran = append(ran, s)
		mu.Unlock()
	}

	_, _ = q.Enqueue("u1", func(context.Context) error { mark("err"); return errors.New("boom") })
	_, _ = q.Enqueue("u1", func(context.Context) error { mark("panic"); panic("kaboom") })
	_, _ = q.Enqueue("u1", func(context.Context) error { mark("ok"); return nil })

	closeQueue(t, q)
	assert.Equal(t, []string{"err", "panic", "ok"}, ran)
}

func TestDrain_RemovesEntryWhenEmpty(t *testing.T) {
	q := New(Options{}, testLogger())
	done := make(chan struct{})
	_, err := q.Enqueue("u1", func(context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	<-done

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, ok := q.queues["u1"]
		return !ok && !q.active["u1"]
	}, time.Second, 5*time.Millisecond)

	// A later task starts a fresh drain.
	again := make(chan struct{})
	_, err = q.Enqueue("u1", func(context.Context) error {
		close(again)
		return nil
	})
	require.NoError(t, err)
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal("re-enqueued task never ran")
	}
	closeQueue(t, q)
}

func TestEnqueue_RejectsNilAndClosed(t *testing.T) {
	q := New(Options{}, testLogger())

	_, err := q.Enqueue("u1", nil)
	assert.ErrorIs(t, err, ErrNilTask)

	closeQueue(t, q)
	_, err = q.Enqueue("u1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestForget_DropsPendingKeepsRunning(t *testing.T) {
	q := New(Options{}, testLogger())
	started := make(chan struct{})
	release := make(chan struct{})
	var laterRan bool

	_, _ = q.Enqueue("u1", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	_, _ = q.Enqueue("u1", func(context.Context) error { laterRan = true; return nil })
	_, _ = q.Enqueue("u1", func(context.Context) error { laterRan = true; return nil })

	assert.Equal(t, 3, q.Pending("u1"))
	assert.True(t, q.Active("u1"))
	assert.Equal(t, 2, q.Forget("u1"))
	assert.Equal(t, 1, q.Pending("u1"))

	close(release)
	closeQueue(t, q)
	assert.False(t, laterRan)
	assert.Equal(t, 0, q.Pending("u1"))
}

func TestForget_BetweenTasksDropsNextTask(t *testing.T) {
	q := New(Options{}, testLogger())
	release := make(chan struct{})
	var nextRan atomic.Bool
	dropped := make(chan int, 1)
	var once sync.Once
	q.afterTask = func(userID string) {
		once.Do(func() { dropped <- q.Forget(userID) })
	}

	_, _ = q.Enqueue("u1", func(context.Context) error { <-release; return nil })
	_, _ = q.Enqueue("u1", func(context.Context) error { nextRan.Store(true); return nil })
	_, _ = q.Enqueue("u1", func(context.Context) error { nextRan.Store(true); return nil })
	close(release)

	assert.Equal(t, 2, <-dropped)
	closeQueue(t, q)
	assert.False(t, nextRan.Load())
}

func TestEnqueue_BetweenTasksDoesNotStartSecondDrain(t *testing.T) {
	q := New(Options{}, testLogger())
	var runs atomic.Int32
	var once sync.Once
	q.afterTask = func(userID string) {
		once.Do(func() {
			_, _ = q.Enqueue(userID, func(context.Context) error {
				runs.Add(1)
				return nil
			})
		})
	}

	_, err := q.Enqueue("u1", func(context.Context) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() >= 1 && !q.Active("u1") }, time.Second, 5*time.Millisecond)
	closeQueue(t, q)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTaskTimeout(t *testing.T) {
	q := New(Options{TaskTimeout: 20 * time.Millisecond}, testLogger())
	result := make(chan error, 1)

	_, err := q.Enqueue("u1", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task timeout not applied")
	}
	closeQueue(t, q)
}

func TestMetrics_RecordedPerAuthRef(t *testing.T) {
	rec := &fakeRecorder{}
	q := New(Options{
		Recorder: rec,
		Resolver: func(userID string) (string, bool) {
			if userID == "known" {
				return "acct-1", true
			}
			return "", false
		},
	}, testLogger())

	var ran atomic.Bool
	_, _ = q.Enqueue("known", func(context.Context) error { return nil })
	_, _ = q.Enqueue("unknown", func(context.Context) error { ran.Store(true); return nil })
	closeQueue(t, q)

	assert.True(t, ran.Load(), "task without auth reference must still run")
	assert.Equal(t, []recordedSample{{"known", "acct-1", metrics.QueueProcessingTime}}, rec.all())
}

func TestClose_TimesOut(t *testing.T) {
	q := New(Options{}, testLogger())
	release := make(chan struct{})
	defer close(release)
	_, _ = q.Enqueue("u1", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.Close(ctx))
}
