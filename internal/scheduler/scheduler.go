// Package scheduler runs the pipeline jobs on cron schedules in UTC and
// tracks consecutive failures per job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rewired-gh/marketmovers/internal/logger"
)

// Notifier receives failure and recovery notices.
type Notifier interface {
	SendError(job string, err error) error
	SendRecovery(job string, failures int, downtime time.Duration) error
}

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type jobState struct {
	failures     int
	failingSince time.Time
}

// Scheduler runs jobs on their cron specs. A job never overlaps itself.
type Scheduler struct {
	cron        *cron.Cron
	notifier    Notifier
	maxFailures int
	now         func() time.Time

	mu    sync.Mutex
	state map[string]*jobState
	ctx   context.Context
}

// New creates a scheduler. notifier may be nil. maxFailures is the streak
// length at which a failing job is escalated with a second notice.
func New(notifier Notifier, maxFailures int) *Scheduler {
	if maxFailures < 1 {
		maxFailures = 3
	}
	cl := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		notifier:    notifier,
		maxFailures: maxFailures,
		now:         time.Now,
		state:       make(map[string]*jobState),
		ctx:         context.Background(),
	}
}

// Add registers a job. Jobs with an empty spec are skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		logger.Info("Job %s has no schedule, not registering", job.Name)
		return nil
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.RunJob(job) }); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", job.Name, err)
	}
	logger.Info("Registered job %s (%s UTC)", job.Name, job.Spec)
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	logger.Info("Stopping scheduler, waiting for running jobs...")
	<-s.cron.Stop().Done()
}

// RunJob executes job once and updates its failure streak.
func (s *Scheduler) RunJob(job Job) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	started := s.now()
	logger.Debug("Starting job %s", job.Name)
	err := job.Run(ctx)
	s.record(job.Name, started, err)
	return err
}

// Failures returns the current failure streak of a job.
func (s *Scheduler) Failures(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[name]; ok {
		return st.failures
	}
	return 0
}

func (s *Scheduler) record(name string, started time.Time, err error) {
	s.mu.Lock()
	st, ok := s.state[name]
	if !ok {
		st = &jobState{}
		s.state[name] = st
	}

	if err != nil {
		st.failures++
		if st.failures == 1 {
			st.failingSince = started
		}
		failures := st.failures
		s.mu.Unlock()

		logger.Error("Job %s failed (%d in a row): %v", name, failures, err)
		if failures == 1 || failures == s.maxFailures {
			s.notifyError(name, err)
		}
		return
	}

	failures := st.failures
	downtime := s.now().Sub(st.failingSince)
	st.failures = 0
	st.failingSince = time.Time{}
	s.mu.Unlock()

	if failures > 0 {
		logger.Info("Job %s recovered after %d failures", name, failures)
		s.notifyRecovery(name, failures, downtime)
	}
}

func (s *Scheduler) notifyError(name string, err error) {
	if s.notifier == nil {
		return
	}
	if sendErr := s.notifier.SendError(name, err); sendErr != nil {
		logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
	}
}

func (s *Scheduler) notifyRecovery(name string, failures int, downtime time.Duration) {
	if s.notifier == nil {
		return
	}
	if sendErr := s.notifier.SendRecovery(name, failures, downtime); sendErr != nil {
		logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
	}
}

// cronLogger routes cron's internal messages to the package logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
