package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"icalsynchub/internal/scheduler"
	"icalsynchub/internal/web"
)

// NewRunCommand creates the run command: scheduler, source watcher and
// HTTP API in one process.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler and the management API",
		Long: `Run the sync scheduler until interrupted. Each cycle reaps expired
access links, then fetches, merges and publishes the calendar.

With sync_interval 0 and no sync_cron a single cycle runs and the command
exits. The HTTP API starts when "listen" is set (or --listen is given).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAll(cmd, rootOpts, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

// NewSyncCommand creates the sync command: the scheduler without HTTP.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the sync scheduler without the management API",
		Long: `Run sync cycles on the configured schedule.

--once runs exactly one cycle, prints its report as JSON and exits,
whatever the configured interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, rootOpts, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one cycle and exit")
	return cmd
}

// NewServeCommand creates the serve command: the management API alone,
// next to a scheduler running elsewhere.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the management API only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(rootOpts, bootstrapOptions{withMetrics: true})
			if err != nil {
				return err
			}
			defer a.close()
			if listen != "" {
				a.cfg.Listen = listen
			}
			if a.cfg.Listen == "" {
				return WrapExitError(ExitFailure, "invalid configuration", fmt.Errorf("listen address is empty"))
			}

			srv, err := a.newServer()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) newServer() (*web.Server, error) {
	opts := web.Options{
		Config:  a.cfg,
		Service: a.service,
		Output:  a.target,
		Logger:  a.log,
	}
	if a.sched != nil {
		opts.Status = a.sched
	}
	if a.registry != nil {
		opts.Gatherer = a.registry
	}
	return web.NewServer(opts)
}

func runAll(cmd *cobra.Command, rootOpts *RootOptions, listen string) error {
	a, err := bootstrap(rootOpts, bootstrapOptions{requireSources: true, withMetrics: true})
	if err != nil {
		return err
	}
	defer a.close()
	if listen != "" {
		a.cfg.Listen = listen
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var wake chan struct{}
	if a.cfg.WatchSources {
		wake = make(chan struct{}, 1)
	}
	sched, err := a.newScheduler(a.cfg, wake)
	if err != nil {
		return err
	}
	if sched.OneShot() {
		return sched.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if wake != nil {
		g.Go(func() error {
			return scheduler.WatchSources(gctx, a.cfg.Resolve(a.cfg.SourcesFile), wake, a.log)
		})
	}
	if a.cfg.Listen != "" {
		srv, err := a.newServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	err = g.Wait()
	a.log.Info("icalsynchub exiting")
	return err
}

func runSync(cmd *cobra.Command, rootOpts *RootOptions, once bool) error {
	a, err := bootstrap(rootOpts, bootstrapOptions{requireSources: true})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg := a.cfg
	if once {
		single := *a.cfg
		single.SyncInterval = 0
		single.SyncCron = ""
		cfg = &single
	}

	var wake chan struct{}
	if cfg.WatchSources && !once {
		wake = make(chan struct{}, 1)
	}
	sched, err := a.newScheduler(cfg, wake)
	if err != nil {
		return err
	}

	if sched.OneShot() {
		report := sched.RunCycle(ctx)
		return printReport(cmd, report)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if wake != nil {
		g.Go(func() error {
			return scheduler.WatchSources(gctx, cfg.Resolve(cfg.SourcesFile), wake, a.log)
		})
	}
	return g.Wait()
}

func printReport(cmd *cobra.Command, report scheduler.CycleReport) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
