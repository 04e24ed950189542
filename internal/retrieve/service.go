package retrieve

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tiler/internal/logutil"
	"tiler/internal/metrics"
)

const (
	DefaultPoolSize          = 5
	DefaultQueueSize         = 100
	DefaultStaleRequestLimit = 30 * time.Second
)

// Config of a Service.
type Config struct {
	PoolSize          int
	QueueSize         int
	StaleRequestLimit time.Duration
	// RateLimit is the number of task starts allowed per second, 0 disables it.
	RateLimit float64
	Logger    logrus.FieldLogger
}

func DefaultConfig() Config {
	return Config{
		PoolSize:          DefaultPoolSize,
		QueueSize:         DefaultQueueSize,
		StaleRequestLimit: DefaultStaleRequestLimit,
	}
}

// Service runs named tasks on a fixed pool of workers, lowest priority value first.
// At most one task per name is queued or running at any time.
type Service struct {
	cfg     Config
	log     logrus.FieldLogger
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskQueue
	queued map[string]*task
	active map[string]*task
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config) *Service {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}

	s := &Service{
		cfg:    cfg,
		log:    logutil.OrDiscard(cfg.Logger),
		now:    time.Now,
		queued: make(map[string]*task),
		active: make(map[string]*task),
	}
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	s.wg.Add(cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		go s.worker(i)
	}
	return s
}

// Submit queues work under name. It fails with ErrDuplicate, ErrUnavailable or ErrShutdown.
func (s *Service) Submit(name string, priority float64, work func(ctx context.Context)) error {
	return s.submit(&task{name: name, priority: priority, work: work})
}

// RunRetriever queues a retrieval followed by its post-processing, named by the retriever.
func (s *Service) RunRetriever(r Retriever, priority float64, pp PostProcessor) error {
	t := &task{
		name:     r.Name(),
		priority: priority,
		progress: r,
		work: func(ctx context.Context) {
			start := time.Now()
			res := r.Retrieve(ctx)
			metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
			if pp != nil {
				pp.PostProcess(res)
			}
		},
	}
	return s.submit(t)
}

func (s *Service) submit(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		metrics.RetrievalRejected.WithLabelValues("shutdown").Inc()
		return ErrShutdown
	}
	if _, ok := s.queued[t.name]; ok {
		metrics.RetrievalRejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%s: %w", t.name, ErrDuplicate)
	}
	if _, ok := s.active[t.name]; ok {
		metrics.RetrievalRejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%s: %w", t.name, ErrDuplicate)
	}
	if len(s.queue) >= s.cfg.QueueSize {
		metrics.RetrievalRejected.WithLabelValues("full").Inc()
		return ErrUnavailable
	}

	s.seq++
	t.seq = s.seq
	t.submitted = s.now()
	heap.Push(&s.queue, t)
	s.queued[t.name] = t
	metrics.RetrievalSubmitted.Inc()
	metrics.RetrievalQueueLength.Set(float64(len(s.queue)))
	s.cond.Signal()
	return nil
}

// IsAvailable reports whether a submit would currently find room in the queue.
func (s *Service) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && len(s.queue) < s.cfg.QueueSize
}

// Contains reports a queued or running task with the name.
func (s *Service) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, q := s.queued[name]
	_, a := s.active[name]
	return q || a
}

// Cancel removes a task that has not started yet. Running tasks are left alone.
func (s *Service) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.queued[name]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, t.index)
	delete(s.queued, name)
	metrics.RetrievalQueueLength.Set(float64(len(s.queue)))
	return true
}

// NumPending counts queued tasks, running ones excluded.
func (s *Service) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) HasActiveTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Progress is the percentage of bytes read over the expected bytes of running retrievals.
func (s *Service) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total, read int64
	for _, t := range s.active {
		if t.progress == nil {
			continue
		}
		if n := t.progress.ContentLength(); n > 0 {
			total += n
			read += t.progress.ContentLengthRead()
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(read) / float64(total)
}

// Shutdown stops accepting work and waits for the workers. Queued tasks still run unless
// immediately is set, in which case they are dropped and running tasks see their context cancelled.
func (s *Service) Shutdown(immediately bool) {
	s.mu.Lock()
	s.closed = true
	if immediately {
		s.queue = nil
		s.queued = make(map[string]*task)
		s.cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}

// next blocks for a runnable task, nil once the service is closed and drained.
func (s *Service) next() *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			return nil
		}

		t := heap.Pop(&s.queue).(*task)
		delete(s.queued, t.name)
		metrics.RetrievalQueueLength.Set(float64(len(s.queue)))

		if s.cfg.StaleRequestLimit > 0 && s.now().Sub(t.submitted) > s.cfg.StaleRequestLimit {
			s.log.WithField("task", t.name).Debug("dropping stale request")
			metrics.RetrievalCompleted.WithLabelValues("stale").Inc()
			continue
		}
		if _, ok := s.active[t.name]; ok {
			s.log.WithField("task", t.name).Debug("request already active")
			metrics.RetrievalCompleted.WithLabelValues("duplicate").Inc()
			continue
		}
		s.active[t.name] = t
		return t
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		t := s.next()
		if t == nil {
			return
		}
		s.run(id, t)
	}
}

func (s *Service) run(id int, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"worker": id, "task": t.name}).Errorf("retrieval panicked: %v", r)
			metrics.RetrievalCompleted.WithLabelValues("panic").Inc()
		}
		s.mu.Lock()
		delete(s.active, t.name)
		s.mu.Unlock()
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			metrics.RetrievalCompleted.WithLabelValues("cancelled").Inc()
			return
		}
	}
	t.work(s.ctx)
	metrics.RetrievalCompleted.WithLabelValues("done").Inc()
}
