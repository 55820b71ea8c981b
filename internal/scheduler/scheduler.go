// Package scheduler triggers mapping cycles on a fixed period with gocron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
)

// Runner is one parameterless unit of work.
type Runner interface {
	Run(ctx context.Context)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) { f(ctx) }

// Config selects when the job runs. Cron, when set, takes precedence over Interval.
type Config struct {
	Name             string
	Interval         time.Duration
	Cron             string
	StartImmediately bool
}

// DefaultConfig runs every two minutes starting right away.
func DefaultConfig() Config {
	return Config{Name: "density-mapping", Interval: 2 * time.Minute, StartImmediately: true}
}

// Scheduler owns one singleton job. A run that is still going when the next
// one is due makes the scheduler skip that slot.
type Scheduler struct {
	cfg    Config
	ctx    context.Context
	runner Runner

	mu      sync.Mutex
	s       gocron.Scheduler
	job     gocron.Job
	started bool
}

// New creates the scheduler and registers the job. Nothing runs until Start.
// ctx is passed to every run.
func New(ctx context.Context, cfg Config, runner Runner) (*Scheduler, error) {
	def, err := definition(cfg)
	if err != nil {
		return nil, err
	}

	s, err := gocron.NewScheduler(gocron.WithLogger(gocronLogger{}))
	if err != nil {
		return nil, err
	}

	sch := &Scheduler{cfg: cfg, ctx: ctx, runner: runner, s: s}
	opts := []gocron.JobOption{
		gocron.WithName(cfg.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if cfg.StartImmediately {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	j, err := s.NewJob(def, gocron.NewTask(sch.run), opts...)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule %s: %w", cfg.Name, err)
	}
	sch.job = j
	logger.Info("Scheduler", "Created job %s (%s) with id %s", cfg.Name, describe(cfg), j.ID())
	return sch, nil
}

func definition(cfg Config) (gocron.JobDefinition, error) {
	if strings.TrimSpace(cfg.Cron) != "" {
		return gocron.CronJob(cfg.Cron, false), nil
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be positive")
	}
	return gocron.DurationJob(cfg.Interval), nil
}

func describe(cfg Config) string {
	if strings.TrimSpace(cfg.Cron) != "" {
		return "cron " + cfg.Cron
	}
	return "every " + cfg.Interval.String()
}

func (s *Scheduler) run() {
	if s.ctx.Err() != nil {
		return
	}
	s.runner.Run(s.ctx)
}

// Start begins scheduling. Calling it again is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.s.Start()
	logger.Info("Scheduler", "Started %s", s.cfg.Name)
}

// Started reports whether Start has been called.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// JobID returns the gocron job id.
func (s *Scheduler) JobID() uuid.UUID {
	return s.job.ID()
}

// NextRun returns when the job runs next.
func (s *Scheduler) NextRun() (time.Time, error) {
	return s.job.NextRun()
}

// LastRun returns when the job last ran.
func (s *Scheduler) LastRun() (time.Time, error) {
	return s.job.LastRun()
}

// RunNow triggers the job outside its schedule. Singleton mode still applies.
func (s *Scheduler) RunNow() error {
	if !s.Started() {
		return errors.New("scheduler: not started")
	}
	return s.job.RunNow()
}

// Shutdown stops the scheduler and waits for a running job to return.
func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}

// gocronLogger routes gocron's own messages into the module logger.
type gocronLogger struct{}

func (gocronLogger) Debug(msg string, args ...any) { logger.Debug("Gocron", "%s%s", msg, kv(args)) }
func (gocronLogger) Info(msg string, args ...any)  { logger.Info("Gocron", "%s%s", msg, kv(args)) }
func (gocronLogger) Warn(msg string, args ...any)  { logger.Warn("Gocron", "%s%s", msg, kv(args)) }
func (gocronLogger) Error(msg string, args ...any) { logger.Error("Gocron", "%s%s", msg, kv(args)) }

func kv(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	return b.String()
}
