package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"icalsynchub/internal/config"
	"icalsynchub/internal/ics"
	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/metrics"
	"icalsynchub/internal/publish"
	"icalsynchub/internal/scheduler"
	"icalsynchub/internal/tokens"
)

// app is the wired component graph shared by the commands.
type app struct {
	configPath string
	cfg        *config.Config
	log        *appLog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store   *tokens.Store
	pub     *publish.Publisher
	service *publish.Service

	// sched is set when the scheduler runs in this process.
	sched *scheduler.Scheduler
}

type bootstrapOptions struct {
	// requireSources fails startup when the source list file is missing.
	requireSources bool
	// withMetrics builds a registry for /metrics.
	withMetrics bool
}

// bootstrap loads the configuration and wires logging, the token store and
// the publisher.
func bootstrap(opts *RootOptions, bo bootstrapOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, WrapExitError(ExitFailure, "config file not found (run \"icalsynchub init\")", err)
		}
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = string(appLog.LevelDebug)
	}
	logger, err := appLog.New(appLog.Options{Level: level, Format: cfg.LogFormat, File: cfg.Resolve(cfg.LogFile)})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}

	if bo.requireSources {
		path := cfg.Resolve(cfg.SourcesFile)
		if _, err := os.Stat(path); err != nil {
			_ = logger.Close()
			return nil, WrapExitError(ExitFailure, "source list not readable", err)
		}
	}

	a := &app{configPath: opts.ConfigPath, cfg: cfg, log: logger}
	if bo.withMetrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.MustNew(a.registry)
	}

	a.store, err = tokens.Open(cfg.Resolve(cfg.TokensFile))
	if err != nil {
		_ = logger.Close()
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}

	a.pub, err = publish.NewPublisher(publish.Options{
		Dir:            cfg.PublishDir(),
		Target:         a.target,
		ViewerTemplate: cfg.Resolve(cfg.ViewerTemplate),
		ShareURL:       cfg.ShareURL,
	})
	if err != nil {
		_ = logger.Close()
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	a.service = publish.NewService(a.store, a.pub, nil, logger).WithMetrics(a.metrics)

	logger.Debug("configuration loaded",
		"config", opts.ConfigPath,
		"output_path", cfg.PublishDir(),
		"sync_interval", cfg.SyncInterval,
		"sync_cron", cfg.SyncCron,
		"show_details", cfg.ShowDetails,
		"filter_by_date", cfg.FilterByDate)
	return a, nil
}

// target is the merged calendar path links point to. Another process may
// have generated the filename since startup, so without an in-process
// scheduler the config file is read again.
func (a *app) target() string {
	if a.sched != nil {
		return a.sched.OutputFile()
	}
	if a.cfg.Filename != "" {
		return a.cfg.OutputFile()
	}
	fresh, err := config.Load(a.configPath)
	if err != nil {
		return ""
	}
	return fresh.OutputFile()
}

// newScheduler wires a scheduler over cfg; wake may be nil.
func (a *app) newScheduler(cfg *config.Config, wake <-chan struct{}) (*scheduler.Scheduler, error) {
	fetcher := ics.NewFetcher(ics.FetchOptions{
		Retries:  cfg.Retries,
		Delay:    time.Duration(cfg.Delay) * time.Second,
		Timeout:  time.Duration(cfg.Timeout) * time.Second,
		CacheDir: cfg.Resolve(cfg.CacheDir),
	}, a.log)

	sched, err := scheduler.New(scheduler.Options{
		Config:     cfg,
		ConfigPath: a.configPath,
		Fetcher:    fetcher,
		Service:    a.service,
		Logger:     a.log,
		Metrics:    a.metrics,
		Wake:       wake,
	})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	a.sched = sched
	return sched, nil
}

func (a *app) close() {
	_ = a.log.Close()
}

func formatExpiration(exp *time.Time) string {
	if exp == nil {
		return "never"
	}
	return exp.In(time.Local).Format(tokens.TimeLayout)
}

func printLinkWarning(w io.Writer, out publish.Outcome) {
	if out.LinkErr == nil {
		return
	}
	if errors.Is(out.LinkErr, publish.ErrNoTarget) {
		fmt.Fprintln(w, "warning: no merged calendar yet; the link is created on the next sync")
		return
	}
	fmt.Fprintf(w, "warning: access link not updated: %v\n", out.LinkErr)
}
