package retrieve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockPool occupies the only worker of a single worker service until release is closed.
func blockPool(t *testing.T, s *Service) (release func()) {
	t.Helper()
	started := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, s.Submit("blocker", 0, func(ctx context.Context) {
		close(started)
		<-done
	}))
	<-started
	return func() { close(done) }
}

func (s *Service) setClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

type recorder struct {
	mu    sync.Mutex
	order []string
	wg    sync.WaitGroup
}

func (r *recorder) task(name string) func(ctx context.Context) {
	r.wg.Add(1)
	return func(ctx context.Context) {
		defer r.wg.Done()
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
	}
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestService_PriorityOrderWithFIFOTies(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10})
	defer s.Shutdown(true)

	release := blockPool(t, s)
	rec := &recorder{}
	require.NoError(t, s.Submit("a", 3, rec.task("a")))
	require.NoError(t, s.Submit("b", 1, rec.task("b")))
	require.NoError(t, s.Submit("c", 2, rec.task("c")))
	require.NoError(t, s.Submit("d", 1, rec.task("d")))
	assert.Equal(t, 4, s.NumPending())

	release()
	rec.wg.Wait()
	assert.Equal(t, []string{"b", "d", "c", "a"}, rec.ran())
}

func TestService_RejectsDuplicates(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10})
	defer s.Shutdown(true)

	release := blockPool(t, s)
	defer release()

	require.NoError(t, s.Submit("tile", 1, func(ctx context.Context) {}))
	err := s.Submit("tile", 0, func(ctx context.Context) {})
	assert.True(t, errors.Is(err, ErrDuplicate))

	// the running task also counts
	err = s.Submit("blocker", 0, func(ctx context.Context) {})
	assert.True(t, errors.Is(err, ErrDuplicate))

	assert.True(t, s.Contains("tile"))
	assert.True(t, s.Contains("blocker"))
	assert.True(t, s.HasActiveTasks())
}

func TestService_QueueFull(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 2})
	defer s.Shutdown(true)

	release := blockPool(t, s)
	defer release()

	assert.True(t, s.IsAvailable())
	require.NoError(t, s.Submit("a", 0, func(ctx context.Context) {}))
	require.NoError(t, s.Submit("b", 0, func(ctx context.Context) {}))
	assert.False(t, s.IsAvailable())
	assert.ErrorIs(t, s.Submit("c", 0, func(ctx context.Context) {}), ErrUnavailable)
}

func TestService_CancelQueued(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10})

	release := blockPool(t, s)
	ran := false
	require.NoError(t, s.Submit("a", 0, func(ctx context.Context) { ran = true }))

	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Cancel("a"))
	assert.False(t, s.Cancel("blocker"))
	assert.Equal(t, 0, s.NumPending())

	release()
	s.Shutdown(false)
	assert.False(t, ran)
}

func TestService_DropsStaleRequests(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10, StaleRequestLimit: time.Second})

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return now })

	release := blockPool(t, s)
	ranOld := false
	require.NoError(t, s.Submit("old", 0, func(ctx context.Context) { ranOld = true }))

	later := now.Add(2 * time.Second)
	s.setClock(func() time.Time { return later })
	rec := &recorder{}
	require.NoError(t, s.Submit("fresh", 1, rec.task("fresh")))

	release()
	rec.wg.Wait()
	s.Shutdown(false)
	assert.False(t, ranOld)
	assert.Equal(t, []string{"fresh"}, rec.ran())
}

func TestService_RecoversPanics(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10})
	defer s.Shutdown(true)

	require.NoError(t, s.Submit("boom", 0, func(ctx context.Context) { panic("boom") }))
	rec := &recorder{}
	require.NoError(t, s.Submit("after", 1, rec.task("after")))
	rec.wg.Wait()
	assert.Equal(t, []string{"after"}, rec.ran())
}

func TestService_Shutdown(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10})
	release := blockPool(t, s)
	rec := &recorder{}
	require.NoError(t, s.Submit("queued", 0, rec.task("queued")))

	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	s.Shutdown(false)
	rec.wg.Wait()
	assert.Equal(t, []string{"queued"}, rec.ran())
	assert.ErrorIs(t, s.Submit("late", 0, func(ctx context.Context) {}), ErrShutdown)
	assert.False(t, s.IsAvailable())
}

func TestService_ShutdownImmediately(t *testing.T) {
	s := NewService(Config{PoolSize: 1, QueueSize: 10})

	started := make(chan struct{})
	require.NoError(t, s.Submit("running", 0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	ran := false
	require.NoError(t, s.Submit("queued", 0, func(ctx context.Context) { ran = true }))

	s.Shutdown(true)
	assert.False(t, ran)
	assert.Equal(t, 0, s.NumPending())
	assert.False(t, s.HasActiveTasks())
}

func TestService_RateLimit(t *testing.T) {
	s := NewService(Config{PoolSize: 2, QueueSize: 10, RateLimit: 1000})
	defer s.Shutdown(true)

	rec := &recorder{}
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Submit(name, 0, rec.task(name)))
	}
	rec.wg.Wait()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rec.ran())
}
