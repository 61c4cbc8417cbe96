package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/igolaizola/songforge/pkg/telemetry"
)

var (
	ErrDuplicate   = errors.New("scheduler: job already active")
	ErrQueueFull   = errors.New("scheduler: queue is full")
	ErrStopped     = errors.New("scheduler: not running")
	ErrStopTimeout = errors.New("scheduler: timed out waiting for workers")
)

const (
	DefaultWorkers   = 3
	DefaultQueueSize = 100

	queued = "queued"
)

// Job describes a unit of work. It is immutable once submitted.
type Job struct {
	ID          string
	Ref         string
	SubmittedAt time.Time
}

// Handler runs a job. Returned errors and panics are logged and never stop
// the worker.
type Handler func(ctx context.Context, job *Job) error

type Config struct {
	Workers   int
	QueueSize int
	// Tick is the period the workers wake up to refresh the queue gauge
	Tick    time.Duration
	Debug   bool
	Metrics *telemetry.Metrics
}

type Scheduler struct {
	handler Handler
	workers int
	tick    time.Duration
	debug   bool
	metrics *telemetry.Metrics

	queue chan *Job
	quit  chan struct{}
	wg    sync.WaitGroup

	lck      sync.Mutex
	running  bool
	stopping bool
	active   map[string]string
}

func New(cfg *Config, handler Handler) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		handler: handler,
		workers: workers,
		tick:    tick,
		debug:   cfg.Debug,
		metrics: cfg.Metrics,
		queue:   make(chan *Job, size),
		quit:    make(chan struct{}),
		active:  map[string]string{},
	}
}

func (s *Scheduler) log(format string, args ...interface{}) {
	if s.debug {
		format += "\n"
		log.Printf(format, args...)
	}
}

// Start launches the workers. It can only be called once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lck.Lock()
	defer s.lck.Unlock()
	if s.running {
		log.Println("scheduler: already running")
		return nil
	}
	if s.stopping {
		return ErrStopped
	}
	s.running = true
	log.Printf("scheduler: starting %d workers\n", s.workers)
	// Jobs aren't cancelled when the caller's context is
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(name string) {
			defer s.wg.Done()
			s.work(ctx, name)
		}(fmt.Sprintf("worker-%d", i+1))
	}
	return nil
}

// Enqueue adds the job to the queue. It never blocks.
func (s *Scheduler) Enqueue(id, ref string) error {
	s.lck.Lock()
	defer s.lck.Unlock()
	if !s.running {
		s.reject("stopped")
		return ErrStopped
	}
	if _, ok := s.active[id]; ok {
		s.reject("duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	job := &Job{ID: id, Ref: ref, SubmittedAt: time.Now()}
	select {
	case s.queue <- job:
	default:
		s.reject("full")
		return fmt.Errorf("%w: %s", ErrQueueFull, id)
	}
	s.active[id] = queued
	if s.metrics != nil {
		s.metrics.Submitted.Inc()
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
	s.log("scheduler: job %s queued", id)
	return nil
}

// Submit enqueues the job and reports whether it was accepted.
func (s *Scheduler) Submit(id, ref string) bool {
	if err := s.Enqueue(id, ref); err != nil {
		log.Printf("scheduler: couldn't submit job %s: %v\n", id, err)
		return false
	}
	return true
}

func (s *Scheduler) reject(reason string) {
	if s.metrics != nil {
		s.metrics.Rejected.WithLabelValues(reason).Inc()
	}
}

// IsActive reports whether the job is queued or running.
func (s *Scheduler) IsActive(id string) bool {
	s.lck.Lock()
	defer s.lck.Unlock()
	_, ok := s.active[id]
	return ok
}

// Owner returns the state of an active job: queued or the name of the worker
// running it.
func (s *Scheduler) Owner(id string) (string, bool) {
	s.lck.Lock()
	defer s.lck.Unlock()
	owner, ok := s.active[id]
	return owner, ok
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// ActiveCount returns the number of queued or running jobs.
func (s *Scheduler) ActiveCount() int {
	s.lck.Lock()
	defer s.lck.Unlock()
	return len(s.active)
}

func (s *Scheduler) work(ctx context.Context, name string) {
	s.log("scheduler: %s started", name)
	defer s.log("scheduler: %s stopped", name)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if s.metrics != nil {
				s.metrics.QueueDepth.Set(float64(len(s.queue)))
			}
		case job := <-s.queue:
			if !s.claim(job, name) {
				return
			}
			s.run(ctx, job, name)
		}
	}
}

// claim marks the job as owned by the worker. It returns false if the
// scheduler is stopping, in which case the job is abandoned.
func (s *Scheduler) claim(job *Job, name string) bool {
	s.lck.Lock()
	defer s.lck.Unlock()
	if !s.running {
		delete(s.active, job.ID)
		if s.metrics != nil {
			s.metrics.Abandoned.Inc()
		}
		return false
	}
	s.active[job.ID] = name
	return true
}

func (s *Scheduler) run(ctx context.Context, job *Job, name string) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.InFlight.Inc()
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: %s job %s panicked: %v\n%s", name, job.ID, r, debug.Stack())
			if s.metrics != nil {
				s.metrics.Failed.Inc()
			}
		}
		s.lck.Lock()
		delete(s.active, job.ID)
		s.lck.Unlock()
		if s.metrics != nil {
			s.metrics.InFlight.Dec()
			s.metrics.Duration.Observe(time.Since(start).Seconds())
		}
	}()

	log.Printf("scheduler: %s processing job %s\n", name, job.ID)
	if err := s.handler(ctx, job); err != nil {
		log.Printf("scheduler: %s job %s failed: %v\n", name, job.ID, err)
		if s.metrics != nil {
			s.metrics.Failed.Inc()
		}
		return
	}
	log.Printf("scheduler: %s completed job %s (%s)\n", name, job.ID, time.Since(start).Round(time.Millisecond))
	if s.metrics != nil {
		s.metrics.Completed.Inc()
	}
}

// Stop stops accepting jobs, waits for the running ones up to the timeout and
// discards the queued ones.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lck.Lock()
	if s.stopping {
		s.lck.Unlock()
		return nil
	}
	s.stopping = true
	s.running = false
	close(s.quit)
	s.lck.Unlock()
	log.Println("scheduler: stopping...")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
	}

	// Discard the jobs that never reached a worker
	var discarded int
	func() {
		for {
			select {
			case <-s.queue:
				discarded++
			default:
				return
			}
		}
	}()

	s.lck.Lock()
	for id, owner := range s.active {
		if owner == queued {
			delete(s.active, id)
		}
	}
	if err == nil {
		s.active = map[string]string{}
	}
	s.lck.Unlock()

	if s.metrics != nil {
		s.metrics.Abandoned.Add(float64(discarded))
		s.metrics.QueueDepth.Set(0)
	}
	if discarded > 0 {
		log.Printf("scheduler: discarded %d queued jobs\n", discarded)
	}
	if err != nil {
		return err
	}
	log.Println("scheduler: stopped")
	return nil
}
