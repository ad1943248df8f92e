package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// ErrUnknownTask is returned by RunOnce for a task name that is not registered.
var ErrUnknownTask = errors.New("unknown reconciliation task")

// Runner runs periodic tasks on their own tickers. A tick that arrives while
// the previous run of the same task is still in progress is skipped.
type Runner struct {
	tasks   []PeriodicTask
	metrics goentitle.Metrics
	logger  goentitle.Logger
}

// NewRunner creates a runner for tasks. Nil metrics or logger fall back to no-ops.
func NewRunner(metrics goentitle.Metrics, logger goentitle.Logger, tasks ...PeriodicTask) *Runner {
	if metrics == nil {
		metrics = &goentitle.NoopMetrics{}
	}
	if logger == nil {
		logger = &goentitle.NoopLogger{}
	}
	return &Runner{tasks: tasks, metrics: metrics, logger: logger}
}

// Run starts every task immediately and then on its interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range r.tasks {
		g.Go(func() error {
			r.loop(ctx, g, task)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, g *errgroup.Group, task PeriodicTask) {
	var running atomic.Bool
	tick := func() {
		if !running.CompareAndSwap(false, true) {
			r.logger.Warn("skipping reconciliation tick, previous run still in progress",
				goentitle.Field{Key: "task", Value: task.Name()},
			)
			return
		}
		g.Go(func() error {
			defer running.Store(false)
			_, _ = r.execute(ctx, task)
			return nil
		})
	}

	ticker := time.NewTicker(task.Interval())
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// RunOnce runs the named task a single time, for external schedulers.
func (r *Runner) RunOnce(ctx context.Context, name string) (int, error) {
	for _, task := range r.tasks {
		if task.Name() == name {
			return r.execute(ctx, task)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

// Names returns the registered task names.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for _, task := range r.tasks {
		names = append(names, task.Name())
	}
	return names
}

func (r *Runner) execute(ctx context.Context, task PeriodicTask) (int, error) {
	start := time.Now()
	processed, err := task.Run(ctx)
	duration := time.Since(start)
	r.metrics.RecordSweep(task.Name(), processed, duration, err)

	fields := []goentitle.Field{
		{Key: "task", Value: task.Name()},
		{Key: "processed", Value: processed},
		{Key: "duration", Value: duration},
	}
	if err != nil {
		r.logger.Error("reconciliation task failed", append(fields, goentitle.Field{Key: "error", Value: err.Error()})...)
		return processed, err
	}
	r.logger.Info("reconciliation task finished", fields...)
	return processed, nil
}
