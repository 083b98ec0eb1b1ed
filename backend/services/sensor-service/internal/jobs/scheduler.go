package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/metrics"
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs registered jobs on their own tickers. Jobs can be stopped and restarted
// individually; StopAll halts every job and clears the initialized flag so Start can be called again.
type Scheduler struct {
	mu          sync.Mutex
	jobs        map[string]Job
	running     map[string]*running
	initialized bool
	ctx         context.Context
	logger      *zap.Logger
}

// NewScheduler returns an empty scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:    make(map[string]Job),
		running: make(map[string]*running),
		logger:  logger,
	}
}

// Register adds a job. Jobs registered after Start begin immediately.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("jobs: name required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("jobs: %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("jobs: %s: run func required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("jobs: %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	if s.initialized {
		s.launchLocked(job)
	}
	return nil
}

// Start launches every registered job. Calling Start while initialized is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		s.logger.Debug("scheduler already initialized")
		return
	}
	s.ctx = ctx
	s.initialized = true
	for _, name := range s.namesLocked() {
		s.launchLocked(s.jobs[name])
	}
	s.logger.Info("maintenance jobs started", zap.Strings("jobs", s.namesLocked()))
}

// Stop halts one job and waits for it to return. It reports whether the job was running.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	r, ok := s.running[name]
	if ok {
		delete(s.running, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	s.logger.Info("job stopped", zap.String("job", name))
	return true
}

// StartJob relaunches one registered job after Stop. It fails when the job is unknown or
// the scheduler has not been started; starting a running job is a no-op.
func (s *Scheduler) StartJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("jobs: %s not registered", name)
	}
	if !s.initialized {
		return fmt.Errorf("jobs: scheduler not started")
	}
	s.launchLocked(job)
	s.logger.Info("job started", zap.String("job", name))
	return nil
}

// StopAll halts every job, waits for all of them and resets the initialized flag.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	all := s.running
	s.running = make(map[string]*running)
	s.initialized = false
	s.mu.Unlock()

	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		<-r.done
	}
	s.logger.Info("all maintenance jobs stopped", zap.Int("count", len(all)))
}

// Initialized reports whether Start has run since the last StopAll.
func (s *Scheduler) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Running lists the names of active jobs.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) launchLocked(job Job) {
	if _, ok := s.running[job.Name]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	s.running[job.Name] = r
	go s.loop(ctx, job, r.done)
}

func (s *Scheduler) loop(ctx context.Context, job Job, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	logger := s.logger.With(zap.String("job", job.Name))
	logger.Debug("job scheduled", zap.Duration("interval", job.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job, logger)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordJobRun(job.Name, fmt.Errorf("panic: %v", r))
			logger.Error("job panicked", zap.Any("panic", r))
		}
	}()
	err := job.Run(ctx)
	metrics.RecordJobRun(job.Name, err)
	if err != nil && ctx.Err() == nil {
		logger.Error("job failed", zap.Error(err))
	}
}
