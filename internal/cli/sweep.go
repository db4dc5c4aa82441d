package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/webverify/internal/verify"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Watch bool
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "End abandoned sessions and prune the page cache",
		Long: `Run one abandonment sweep: bindings idle past pool.idle_timeout are ended,
documents they left open are returned to the queue, and non-crucial page
cache rows older than cache.max_age are deleted. With --watch, sweep every
pool.sweep_interval until interrupted.

Example:
  webverify sweep --db ./engine.db
  webverify sweep --config ./webverify.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "keep sweeping until interrupted")

	return cmd
}

type sweepReport struct {
	verify.SweepResult
}

func (r sweepReport) String() string {
	return fmt.Sprintf("Ended %d binding(s), pruned %d cache row(s)", r.Ended, r.Pruned)
}

func runSweep(cmd *cobra.Command, opts *SweepOptions) error {
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd, e.logger)
	defer cancel()

	svc, err := e.service(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Sweep(ctx)
	if err != nil {
		return e.fail("sweep failed", err)
	}
	if !opts.Watch {
		return e.out.Success(sweepReport{res})
	}

	e.logger.Info("sweeper running", "interval", e.cfg.Pool.SweepInterval.Std())
	if err := svc.RunSweeper(ctx); err != nil {
		return e.fail("sweeper failed", err)
	}
	e.logger.Info("sweeper stopped")
	return e.out.Success(sweepReport{res})
}
