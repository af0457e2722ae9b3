// Package jobs runs the server's periodic housekeeping on a gocron scheduler.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"docsync/internal/models"
)

// Job names.
const (
	SessionSweep    = "session-sweep"
	MetricsSnapshot = "metrics-snapshot"
)

// Housekeeper is what the periodic jobs act on.
type Housekeeper interface {
	Sweep(ctx context.Context) int
	MetricsTick() models.MetricsSnapshot
}

// Runner owns a scheduler and the named jobs registered on it.
type Runner struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	log       *logrus.Entry

	mu   sync.Mutex
	jobs map[string]gocron.Job
}

// NewRunner creates a stopped runner.
func NewRunner(log logrus.FieldLogger) (*Runner, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithField("component", "jobs"),
		jobs:      make(map[string]gocron.Job),
	}, nil
}

// Every registers task to run at a fixed interval. A run still in progress
// when the next one is due causes that tick to be skipped.
func (r *Runner) Every(name string, interval time.Duration, task func(ctx context.Context)) error {
	job, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.wrap(name, task)),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}

	r.mu.Lock()
	r.jobs[name] = job
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"job": name, "interval": interval.String()}).Info("registered job")
	return nil
}

func (r *Runner) wrap(name string, task func(ctx context.Context)) func() {
	return func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.WithFields(logrus.Fields{"job": name, "panic": p}).Errorf("job panic\n%s", debug.Stack())
			}
		}()
		start := time.Now()
		task(r.ctx)
		r.log.WithFields(logrus.Fields{"job": name, "took": time.Since(start).String()}).Debug("job finished")
	}
}

// Start begins scheduling.
func (r *Runner) Start() {
	r.scheduler.Start()
	r.log.WithField("jobs", len(r.Names())).Info("job runner started")
}

// RunNow triggers a registered job outside its schedule.
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return job.RunNow()
}

// Names lists the registered jobs.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// Stop cancels running tasks and waits for them to return.
func (r *Runner) Stop() error {
	r.cancel()
	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	r.log.Info("job runner stopped")
	return nil
}

// RegisterHousekeeping adds the inactivity sweep and the metrics snapshot.
func RegisterHousekeeping(r *Runner, h Housekeeper, sweepEvery, metricsEvery time.Duration) error {
	if err := r.Every(SessionSweep, sweepEvery, func(ctx context.Context) {
		h.Sweep(ctx)
	}); err != nil {
		return err
	}
	return r.Every(MetricsSnapshot, metricsEvery, func(context.Context) {
		h.MetricsTick()
	})
}
