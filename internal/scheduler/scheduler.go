// Package scheduler runs the sync loop: on every tick it reaps expired
// access links, reloads the source list, fetches and merges all feeds and
// publishes the result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"icalsynchub/internal/clock"
	"icalsynchub/internal/config"
	"icalsynchub/internal/ics"
	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/metrics"
	"icalsynchub/internal/model"
	"icalsynchub/internal/publish"
	"icalsynchub/internal/sources"
	"icalsynchub/internal/tokens"
)

// State is the scheduler's position in its cycle.
type State string

const (
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StatePublished   State = "published"
	StateCycleFailed State = "cycle-failed"
	StateSleeping    State = "sleeping"
)

// Fetcher retrieves raw feed bodies. *ics.Fetcher implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, srcs []model.Source) ([]ics.FetchResult, []error)
}

// Options wires a Scheduler.
type Options struct {
	Config *config.Config
	// ConfigPath receives a generated filename. Empty keeps it in memory.
	ConfigPath string

	Fetcher Fetcher
	// Service runs the reaper at the start of each cycle. Optional.
	Service *publish.Service

	Clock   clock.Clock
	Logger  *appLog.Logger
	Metrics *metrics.Metrics

	// Wake ends a sleep early, e.g. when the source list changes.
	Wake <-chan struct{}
}

// CycleReport describes one finished cycle.
type CycleReport struct {
	Started      time.Time           `json:"started"`
	Finished     time.Time           `json:"finished"`
	Duration     string              `json:"duration"`
	State        State               `json:"state"`
	Output       string              `json:"output,omitempty"`
	Sources      int                 `json:"sources"`
	Fetched      int                 `json:"fetched"`
	FetchErrors  []string            `json:"fetch_errors,omitempty"`
	Merge        ics.MergeStats      `json:"merge"`
	Reap         *publish.ReapReport `json:"reap,omitempty"`
	Error        string              `json:"error,omitempty"`
	NextSchedule *time.Time          `json:"next,omitempty"`
}

// Scheduler is a single sequential sync loop.
type Scheduler struct {
	cfg        *config.Config
	configPath string
	fetcher    Fetcher
	service    *publish.Service
	clock      clock.Clock
	log        *appLog.Logger
	metrics    *metrics.Metrics
	wake       <-chan struct{}
	schedule   cron.Schedule

	// cycleMu keeps cycles from overlapping when RunCycle is also called
	// from outside Run.
	cycleMu sync.Mutex

	mu       sync.RWMutex
	state    State
	last     *CycleReport
	filename string
}

// New validates opts and returns an idle Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Config == nil {
		return nil, errors.New("scheduler: config is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("scheduler: fetcher is required")
	}
	s := &Scheduler{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		fetcher:    opts.Fetcher,
		service:    opts.Service,
		clock:      opts.Clock,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		wake:       opts.Wake,
		state:      StateIdle,
		filename:   opts.Config.Filename,
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.log == nil {
		s.log = appLog.Nop()
	}
	if opts.Config.SyncCron != "" {
		sched, err := cron.ParseStandard(opts.Config.SyncCron)
		if err != nil {
			return nil, fmt.Errorf("scheduler: sync_cron %q: %w", opts.Config.SyncCron, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// OneShot reports whether Run performs a single cycle.
func (s *Scheduler) OneShot() bool {
	return s.schedule == nil && s.cfg.SyncInterval == 0
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastReport returns the report of the most recent cycle.
func (s *Scheduler) LastReport() (CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// OutputFile is the merged calendar path, or "" before a filename exists.
func (s *Scheduler) OutputFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filename == "" {
		return ""
	}
	return filepath.Join(s.cfg.PublishDir(), s.filename)
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes cycles until ctx is canceled. A cycle in progress always
// completes; cancellation is noticed while sleeping. With neither an
// interval nor a cron schedule exactly one cycle runs.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.RunCycle(context.WithoutCancel(ctx))
		if s.OneShot() {
			return nil
		}

		s.setState(StateSleeping)
		wait := s.nextDelay()
		s.log.Info("sync: sleeping", "next_in", wait.String())
		if err := s.sleep(ctx, wait); err != nil {
			s.setState(StateIdle)
			return nil
		}
		s.setState(StateIdle)
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	now := s.clock.Now()
	if s.schedule != nil {
		if d := s.schedule.Next(now).Sub(now); d > 0 {
			return d
		}
		return time.Second
	}
	return time.Duration(s.cfg.SyncInterval) * time.Second
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-s.wake:
		s.log.Info("sync: woken early by source list change")
		return nil
	}
}

// RunCycle performs one full cycle and returns its report.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.setState(StateSyncing)
	report := CycleReport{Started: s.clock.Now()}
	s.log.Info("sync: cycle started")

	err := s.cycle(ctx, &report)

	report.Finished = s.clock.Now()
	elapsed := report.Finished.Sub(report.Started)
	report.Duration = elapsed.String()
	if err != nil {
		report.State = StateCycleFailed
		report.Error = err.Error()
		s.log.Error("sync: cycle failed", err, "duration", report.Duration)
	} else {
		report.State = StatePublished
		s.log.Info("sync: cycle complete",
			"duration", report.Duration,
			"sources", report.Sources,
			"events", report.Merge.Events,
			"filtered", report.Merge.Filtered)
	}
	if !s.OneShot() {
		next := report.Finished.Add(s.nextDelay())
		report.NextSchedule = &next
	}

	s.metrics.ObserveCycle(metrics.Cycle{
		Result:         string(report.State),
		Duration:       elapsed,
		SourceFailures: len(report.FetchErrors) + report.Merge.FailedSources,
		Events:         report.Merge.Events,
		Filtered:       report.Merge.Filtered,
		Published:      err == nil,
		FinishedAt:     report.Finished,
	})

	s.mu.Lock()
	s.state = report.State
	s.last = &report
	s.mu.Unlock()
	return report
}

func (s *Scheduler) cycle(ctx context.Context, report *CycleReport) error {
	output, err := s.resolveOutput()
	if err != nil {
		return err
	}
	report.Output = output

	if s.service != nil {
		reap, err := s.service.Reap()
		if err != nil {
			s.log.Error("sync: reaper failed", err)
		} else {
			report.Reap = &reap
		}
	}

	srcs, err := sources.Load(s.cfg.Resolve(s.cfg.SourcesFile))
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	report.Sources = len(srcs)
	if len(srcs) == 0 {
		return errors.New("no valid calendar URLs found")
	}

	results, fetchErrs := s.fetcher.FetchAll(ctx, srcs)
	report.Fetched = len(results)
	for _, ferr := range fetchErrs {
		report.FetchErrors = append(report.FetchErrors, ferr.Error())
	}
	if len(results) == 0 {
		return fmt.Errorf("all %d sources failed to fetch", len(srcs))
	}

	opts := ics.MergeOptions{
		ShowDetails:  s.cfg.ShowDetails,
		CalendarName: s.cfg.CalendarName,
		Now:          s.clock.Now(),
	}
	if s.cfg.FilterByDate {
		w := ics.NewWindow(opts.Now, s.cfg.PastDays, s.cfg.FutureMonths)
		opts.Window = &w
	}
	cal, stats := ics.Merge(results, opts, s.log)
	report.Merge = stats
	if stats.FailedSources == stats.Sources {
		return fmt.Errorf("all %d fetched sources failed to parse", stats.Sources)
	}

	if err := ics.Persist(cal, output); err != nil {
		if errors.Is(err, ics.ErrValidation) {
			s.log.Error("sync: merged calendar failed data integrity check", err, "path", output)
		}
		return err
	}
	return nil
}

// resolveOutput returns the merged calendar path, generating and saving a
// random filename the first time.
func (s *Scheduler) resolveOutput() (string, error) {
	if out := s.OutputFile(); out != "" {
		return out, nil
	}

	token, err := tokens.Generate(tokens.TokenLength)
	if err != nil {
		return "", fmt.Errorf("generate filename: %w", err)
	}
	name := token + ".ics"
	if s.configPath != "" {
		if err := config.SetValue(s.configPath, "filename", name); err != nil {
			return "", fmt.Errorf("save generated filename: %w", err)
		}
	}

	s.mu.Lock()
	s.filename = name
	s.mu.Unlock()
	s.log.Info("sync: generated output filename", "filename", name)
	return s.OutputFile(), nil
}
