// Package scheduler runs periodic maintenance for the orchestrator: expired
// cache entries are swept and idle sessions reaped on cron schedules.
//
// Jobs never overlap with themselves; a run that is still going when its
// next tick arrives causes that tick to be skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/config"
)

// JobFunc performs one maintenance run and reports how many items it removed.
type JobFunc func(ctx context.Context) (int, error)

// Scheduler fires registered jobs on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs []string
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Add registers fn under name on the given cron expression.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %q for %s: %w", spec, name, err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name, fn) }))

	s.mu.Lock()
	s.jobs = append(s.jobs, name)
	s.mu.Unlock()
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

// Start begins firing jobs. Returns a stop function that waits for running
// jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "maintenance scheduler started", slog.Any("jobs", s.Jobs()))
	s.cron.Start()

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string, fn JobFunc) {
	s.run(name, fn)
}

func (s *Scheduler) run(name string, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	n, err := fn(ctx)
	s.metrics.observe(name, n, err, time.Since(start))
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "maintenance job completed",
			slog.String("job", name),
			slog.Int("removed", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// --- Jobs ---

// Job names.
const (
	JobCacheSweep  = "cache_sweep"
	JobSessionReap = "session_reap"
)

// CacheSweep drops expired tool results.
func CacheSweep(c cache.Service) JobFunc {
	return func(context.Context) (int, error) {
		return c.Expire(), nil
	}
}

// SessionReap drops sessions idle for longer than idle.
func SessionReap(sessions *agent.SessionStore, idle time.Duration) JobFunc {
	return func(context.Context) (int, error) {
		return sessions.Reap(idle), nil
	}
}

// FromConfig registers the standard maintenance jobs. sessions may be nil
// when the process serves no sessions.
func FromConfig(cfg *config.SchedulerConfig, c cache.Service, sessions *agent.SessionStore, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	s := New(metrics, logger)
	if err := s.Add(JobCacheSweep, cfg.CacheSweepSchedule(), CacheSweep(c)); err != nil {
		return nil, err
	}
	if sessions != nil {
		if err := s.Add(JobSessionReap, cfg.SessionReapSchedule(), SessionReap(sessions, cfg.SessionIdle())); err != nil {
			return nil, err
		}
	}
	return s, nil
}
