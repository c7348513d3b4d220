package canvas

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs periodic jobs. The returned cancel func removes the job; it
// does not wait for a run that has already started.
type Scheduler interface {
	Every(interval time.Duration, job func()) (cancel func())
}

// CronScheduler runs every canvas's autosave on one shared cron instance.
type CronScheduler struct {
	cron *cron.Cron
	once sync.Once
}

// NewCronScheduler creates a started scheduler. Panics inside a job are
// recovered and logged.
func NewCronScheduler(logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger.With("component", "autosave")})))
	c.Start()
	return &CronScheduler{cron: c}
}

// Every schedules job at a constant delay. Intervals under a second are
// rounded up to one second.
func (s *CronScheduler) Every(interval time.Duration, job func()) func() {
	if interval < time.Second {
		interval = time.Second
	}
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(job))
	return func() { s.cron.Remove(id) }
}

// Len returns the number of scheduled jobs.
func (s *CronScheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *CronScheduler) Stop() {
	s.once.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
