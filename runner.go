package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/engine"
	"github.com/utilitywarehouse/git-backup/giturl"
	"github.com/utilitywarehouse/git-backup/internal/lock"
	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/target"
)

var (
	errRunInProgress = errors.New("a run is already in progress")
	errUnknownTarget = errors.New("repository is not a configured target")
)

// runner owns the current config and makes sure runs never overlap
type runner struct {
	mu      lock.Mutex
	conf    *engine.Config
	targets []target.Target

	busy atomic.Bool

	// purge is consumed by the first run
	purge        atomic.Bool
	pruneOrphans bool
	silent       bool
	combined     bool

	prompt   credential.Prompt
	recorder engine.Recorder
	out      io.Writer
}

// setConfig replaces config used by next runs, it is the WatchConfig
// onChange callback
func (r *runner) setConfig(conf *engine.Config) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conf = conf
	r.targets = nil
	return true
}

func (r *runner) config() *engine.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conf
}

// resolve returns targets of the current config, sources are only listed
// when called with refresh or if targets were never resolved
func (r *runner) resolve(ctx context.Context, refresh bool) (*engine.Config, []target.Target, error) {
	r.mu.Lock()
	conf, targets := r.conf, r.targets
	r.mu.Unlock()

	if conf == nil {
		return nil, nil, fmt.Errorf("config is not loaded")
	}
	if targets != nil && !refresh {
		return conf, targets, nil
	}

	targets, err := resolveTargets(ctx, conf)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	// config might have been reloaded while sources were listed
	if r.conf == conf {
		r.targets = targets
	}
	r.mu.Unlock()

	return conf, targets, nil
}

// RunAll mirrors all targets of the current config
func (r *runner) RunAll(ctx context.Context) (*engine.RunReport, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, errRunInProgress
	}
	defer r.busy.Store(false)

	conf, targets, err := r.resolve(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve targets err:%w", err)
	}

	roots := conf.Roots()
	if r.purge.CompareAndSwap(true, false) {
		purgeDestinations(roots, targets)
	}
	if r.pruneOrphans {
		cleanupOrphanedMirrors(roots, targets)
	}

	return r.run(ctx, conf, targets)
}

// RunTarget mirrors the configured target matching any of the urls
func (r *runner) RunTarget(ctx context.Context, urls ...string) error {
	_, targets, err := r.resolve(ctx, false)
	if err != nil {
		return err
	}

	t, ok := findTarget(targets, urls)
	if !ok {
		return errUnknownTarget
	}

	if !r.busy.CompareAndSwap(false, true) {
		return errRunInProgress
	}
	defer r.busy.Store(false)

	logger.Info("mirroring target on push event", "repo", t.Name)
	_, err = r.run(ctx, r.config(), []target.Target{t})
	return err
}

func (r *runner) run(ctx context.Context, conf *engine.Config, targets []target.Target) (*engine.RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, conf.Defaults.RunTimeout)
	defer cancel()

	var sink progress.Sink = progress.NopSink{}
	stopSink := func() {}
	if !r.silent {
		sink, stopSink = newLogSink()
	}

	eng, err := engine.NewFromConfig(conf, engine.Runtime{
		GitPath:          gitExecutablePath,
		Envs:             gitENV,
		Prompt:           r.prompt,
		Sink:             sink,
		CombinedProgress: r.combined,
		Recorder:         r.recorder,
		Log:              logger.With("logger", "git-backup"),
	})
	if err != nil {
		stopSink()
		return nil, fmt.Errorf("could not create engine err:%w", err)
	}

	report := eng.Run(ctx, targets)
	stopSink()

	if !r.silent {
		printSummary(r.out, report)
	}
	return report, nil
}

// newLogSink returns sink which renders progress events as log lines and
// a func to stop it once run is finished
func newLogSink() (progress.Sink, func()) {
	sink := progress.NewChannelSink(1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range sink.Events() {
			logEvent(e)
		}
	}()

	return sink, func() {
		sink.Close()
		wg.Wait()
		if n := sink.Dropped(); n > 0 {
			logger.Debug("progress events dropped", "count", n)
		}
	}
}

func logEvent(e progress.Event) {
	log := logger.With("repo", target.DisplayName(e.Key.Target), "path", e.Key.Destination)
	switch e.Kind {
	case progress.Started:
		log.Debug("mirror started")
	case progress.StageChanged:
		log.Debug("mirror stage changed", "stage", e.Stage)
	case progress.Progress:
		log.Log(context.Background(), -8, "mirror progress", "fraction", fmt.Sprintf("%.2f", e.Fraction))
	case progress.Message:
		log.Log(context.Background(), -8, "remote: "+e.Text)
	case progress.Finished:
		log.Debug("mirror finished")
	}
}

// printSummary writes "COMPLETED (<ok>/<err>)" followed by updated targets
// and error messages
func printSummary(w io.Writer, report *engine.RunReport) {
	fmt.Fprintln(w, report.Summary())

	if len(report.Updated) > 0 {
		fmt.Fprintln(w, "Updated:")
		for _, t := range report.Updated {
			fmt.Fprintf(w, "  %s\n", t.Name)
		}
	}

	if len(report.ErrorMessages) > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, msg := range report.ErrorMessages {
			fmt.Fprintf(w, "  %s\n", strings.TrimSpace(msg))
		}
	}
}

// findTarget returns target whose identifier refers to the same remote as
// any of the urls
func findTarget(targets []target.Target, urls []string) (target.Target, bool) {
	for _, u := range urls {
		if u == "" {
			continue
		}
		for _, t := range targets {
			if t.ID == u {
				return t, true
			}
			if same, err := giturl.SameRawURL(t.ID, u); err == nil && same {
				return t, true
			}
		}
	}
	return target.Target{}, false
}
