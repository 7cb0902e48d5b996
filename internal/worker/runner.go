package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises the background workers. The first worker error cancels
// the rest of the group.
type Runner struct {
	workers []Worker
}

func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned. A clean
// shutdown is a cancelled context with every worker returning nil.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			slog.Info("worker started", "worker", w.Name())
			err := w.Run(ctx)
			if err != nil {
				slog.Error("worker exited", "worker", w.Name(), "error", err)
			}
			return err
		})
	}
	return g.Wait()
}
