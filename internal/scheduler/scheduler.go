// Package scheduler runs the periodic passes on fixed intervals. Each job
// runs in its own loop; a slow run delays that job only.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrJobExists = errors.New("scheduler: job already exists")
	ErrRunning   = errors.New("scheduler: already running")
)

type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(context.Context) error
}

type JobStatus struct {
	Name         string
	Runs         int64
	Failures     int64
	LastStartAt  time.Time
	LastDuration time.Duration
	LastError    string
}

type Scheduler struct {
	Logger *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	status  map[string]JobStatus
	running bool
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{Logger: logger, status: make(map[string]JobStatus)}
}

// Add registers job. Jobs must be added before Run.
func (s *Scheduler) Add(job Job) error {
	switch {
	case job.Name == "":
		return errors.New("scheduler: job name is required")
	case job.Interval <= 0:
		return fmt.Errorf("scheduler: job %s needs a positive interval", job.Name)
	case job.Run == nil:
		return fmt.Errorf("scheduler: job %s has no run func", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.status[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	s.jobs = append(s.jobs, job)
	s.status[job.Name] = JobStatus{Name: job.Name}
	return nil
}

// Run blocks until ctx is done, then waits for in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Snapshot returns job statuses sorted by name.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		items = append(items, st)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.RunOnStart {
		s.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(parent context.Context, job Job) {
	if parent.Err() != nil {
		return
	}
	ctx := parent
	cancel := func() {}
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
	}
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, job.Run)
	took := time.Since(start)

	s.mu.Lock()
	st := s.status[job.Name]
	st.Runs++
	st.LastStartAt = start
	st.LastDuration = took
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.status[job.Name] = st
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Error("scheduled job failed", "job", job.Name, "took", took, "error", err)
	}
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
