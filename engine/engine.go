package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/mirror"
	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/target"
	"github.com/utilitywarehouse/git-backup/vcs"
	"github.com/utilitywarehouse/git-backup/vcs/gitcli"
	"github.com/utilitywarehouse/git-backup/vcs/gogit"
)

// ErrBackupSkipped is the error of a backup job skipped because the
// primary mirror of the target failed and backups are chained
var ErrBackupSkipped = errors.New("backup skipped as primary mirror failed")

// Recorder receives every finished run report
type Recorder interface {
	Record(ctx context.Context, report *RunReport) error
}

// Options configure an Engine
type Options struct {
	Roots target.Roots

	// Concurrency is the max number of targets processed at the same time,
	// 0 means unbounded
	Concurrency int
	// StartInterval is the minimum gap between starting two targets
	StartInterval time.Duration
	// ChainBackup skips backup destination if primary mirror failed
	ChainBackup bool

	// Mirror options shared by all jobs
	Mirror mirror.Options

	// Sink receives progress events of all jobs, nil discards them
	Sink progress.Sink
	// Recorder is called with every finished report, optional
	Recorder Recorder

	Log *slog.Logger
}

// Engine runs mirror jobs of a target list
type Engine struct {
	opts Options
	log  *slog.Logger
}

// New validates options and returns engine
func New(opts Options) (*Engine, error) {
	if opts.Mirror.Backend == nil {
		return nil, fmt.Errorf("vcs backend is required")
	}
	if opts.Roots.Primary == "" {
		return nil, fmt.Errorf("primary root is required")
	}
	if opts.Roots.BackupEnabled && opts.Roots.Backup == "" {
		return nil, fmt.Errorf("backup root is required if backup is enabled")
	}
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must not be negative")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	if opts.Mirror.Log == nil {
		opts.Mirror.Log = opts.Log
	}
	if opts.Sink == nil {
		opts.Sink = progress.NopSink{}
	}
	return &Engine{opts: opts, log: opts.Log}, nil
}

// Runtime holds process level dependencies of an engine built from config
type Runtime struct {
	// GitPath is the git executable, defaults to 'git'
	GitPath string
	// Envs are passed to every git command
	Envs []string
	// Prompt asks for ssh key passphrase if it is not provided via env
	Prompt credential.Prompt
	Sink   progress.Sink
	// CombinedProgress reports both transfer phases of a job on one bar
	CombinedProgress bool
	// Recorder is called with every finished report, optional
	Recorder Recorder
	Log      *slog.Logger
}

// NewFromConfig builds backend and credential resolver described by the
// validated conf and returns engine
func NewFromConfig(conf *Config, rt Runtime) (*Engine, error) {
	log := rt.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var backend vcs.Backend
	switch conf.Defaults.Backend {
	case BackendGoGit:
		backend = gogit.New(log)
	default:
		b := gitcli.New(rt.GitPath, rt.Envs, log)
		b.FsckOnOpen = conf.Defaults.VerifyMirrors
		backend = b
	}

	helper := &credential.GitHelper{GitPath: rt.GitPath, Envs: rt.Envs, Log: log}
	resolver := credential.NewResolver(conf.Defaults.Auth, helper, rt.Prompt, log)

	writeInfoRefs := true
	if conf.Defaults.WriteInfoRefs != nil {
		writeInfoRefs = *conf.Defaults.WriteInfoRefs
	}

	return New(Options{
		Roots:         conf.Roots(),
		Concurrency:   conf.Defaults.Concurrency,
		StartInterval: conf.Defaults.StartInterval,
		ChainBackup:   conf.Defaults.ChainBackup,
		Mirror: mirror.Options{
			Backend:          backend,
			Credentials:      resolver.Func(),
			WriteInfoRefs:    writeInfoRefs,
			CombinedProgress: rt.CombinedProgress,
		},
		Sink:     rt.Sink,
		Recorder: rt.Recorder,
		Log:      log,
	})
}

// Roots returns destination roots of the engine
func (e *Engine) Roots() target.Roots {
	return e.opts.Roots
}

// Run mirrors all targets into their destinations and returns the report.
// Job failures never abort the run, they are reported in RunReport. ctx is
// checked before every job, a job already in flight runs to completion or
// until the backend notices ctx.
func (e *Engine) Run(ctx context.Context, targets []target.Target) *RunReport {
	chains := make([][]target.Destination, 0, len(targets))
	total := 0
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		// every (target, destination) pair must have exactly one job
		if seen[t.ID] {
			e.log.Debug("skipping duplicate target", "repo", t.Name, "id", t.ID)
			continue
		}
		seen[t.ID] = true
		dests := e.opts.Roots.Destinations(t)
		chains = append(chains, dests)
		total += len(dests)
	}

	agg := NewAggregator(uuid.NewString(), total)
	defer agg.Close()

	e.log.Debug("run started", "targets", len(targets), "jobs", total, "concurrency", e.opts.Concurrency)

	sched := NewScheduler(e.opts.Concurrency, e.opts.StartInterval)
	for _, dests := range chains {
		sched.Go(ctx, func(ctx context.Context) {
			e.runChain(ctx, dests, agg)
		})
	}
	sched.Wait()

	report, err := agg.Finalize()
	if err != nil {
		// all chains have returned so every job has a result
		panic(fmt.Sprintf("unable to finalize run report: %v", err))
	}
	report.PeakConcurrency = sched.Peak()

	e.log.Debug("run finished", "id", report.ID, "completed", report.Completed, "errors", report.Errors, "updated", len(report.Updated), "duration", report.Duration())

	recordRun(report)

	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.Record(context.WithoutCancel(ctx), report); err != nil {
			e.log.Warn("unable to record run report", "id", report.ID, "err", err)
		}
	}

	return report
}

// Go starts Run in a new goroutine and returns channel which receives the
// report once the run is finished
func (e *Engine) Go(ctx context.Context, targets []target.Target) <-chan *RunReport {
	ch := make(chan *RunReport, 1)
	go func() {
		ch <- e.Run(ctx, targets)
		close(ch)
	}()
	return ch
}

// runChain runs jobs of one target sequentially, primary destination first
func (e *Engine) runChain(ctx context.Context, dests []target.Destination, agg *Aggregator) {
	primaryFailed := false

	for _, dest := range dests {
		var res mirror.Result

		if dest.Backup && primaryFailed && e.opts.ChainBackup {
			res = skippedResult(dest, e.opts.Sink)
		} else {
			res = mirror.NewJob(dest, e.opts.Mirror, e.opts.Sink).Run(ctx)
		}

		if !dest.Backup && !res.Success() {
			primaryFailed = true
		}

		if err := agg.Record(res); err != nil {
			e.log.Debug("unable to record job result", "repo", dest.Target.Name, "path", dest.Path, "err", err)
		}
	}
}

// skippedResult returns failed result of a skipped backup job and publishes
// its Started and Finished events
func skippedResult(dest target.Destination, sink progress.Sink) mirror.Result {
	r := progress.NewReporter(sink, progress.Key{Target: dest.Target.ID, Destination: dest.Path}, false)
	r.Start()
	r.Finish()

	err := vcs.WithClass(vcs.ErrRepositoryState, ErrBackupSkipped)
	return mirror.Result{
		Target:      dest.Target,
		Destination: dest,
		Err:         err,
		Class:       vcs.Classify(err),
	}
}
