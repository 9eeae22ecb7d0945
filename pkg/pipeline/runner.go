package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/harunnryd/relay/pkg/runner"
)

// Runner ties a drainer (usually a session registry) to the process lifecycle.
type Runner struct {
	lc *runner.LifecycleRunner
}

func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	return &Runner{lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

// NewRegistryRunner drains reg on stop: new sessions are refused, live ones
// get up to timeout to finish, then everything is closed.
func NewRegistryRunner(reg *SessionRegistry, hooks runner.Hooks, timeout time.Duration) *Runner {
	drainer := runner.DrainerFunc(func() error {
		reg.SetDraining(true)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		reg.WaitForEmpty(ctx, 0)
		reg.CloseAll()
		return nil
	})
	// the lifecycle timeout must outlast the wait above
	return NewDrainRunner(drainer, hooks, timeout+time.Second)
}

func (r *Runner) SetBannerOutput(w io.Writer) { r.lc.SetBannerOutput(w) }

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }
func (r *Runner) State() runner.State           { return r.lc.State() }
