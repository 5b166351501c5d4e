package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/target"
	"github.com/utilitywarehouse/git-backup/vcs"
)

// State is a state of the mirror job state machine
type State int

const (
	StatePending State = iota
	StateDeciding
	StateCloning
	StateFetching
	StateResolvingHead
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDeciding:
		return "deciding"
	case StateCloning:
		return "cloning"
	case StateFetching:
		return "fetching"
	case StateResolvingHead:
		return "resolving-head"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options are shared by all jobs of a run
type Options struct {
	Backend vcs.Backend
	// Credentials is passed to the backend for every network operation,
	// nil means backend default
	Credentials credential.Func
	// WriteInfoRefs rewrites info/refs of the mirror after every successful job
	WriteInfoRefs bool
	// CombinedProgress reports both transfer phases on a single [0,1] bar
	CombinedProgress bool

	Log *slog.Logger
}

// Result is the outcome of one job. Err is nil on success.
type Result struct {
	Target      target.Target
	Destination target.Destination

	// Cloned is set if destination did not exist and was cloned
	Cloned bool
	// Updated is set if a fetch changed the local ref set or HEAD
	Updated bool

	Err   error
	Class vcs.Class

	Started  time.Time
	Duration time.Duration
}

// Success reports whether the job succeeded
func (r Result) Success() bool {
	return r.Err == nil
}

// Message returns error message of failed job or empty string
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Job mirrors one target into one destination. A Job is run once by a
// single goroutine which owns the destination for the duration of Run.
type Job struct {
	dest     target.Destination
	opts     Options
	log      *slog.Logger
	reporter *progress.Reporter

	states []State
}

// NewJob returns job for the destination publishing progress to sink.
// A nil sink discards progress.
func NewJob(dest target.Destination, opts Options, sink progress.Sink) *Job {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	key := progress.Key{Target: dest.Target.ID, Destination: dest.Path}
	return &Job{
		dest:     dest,
		opts:     opts,
		log:      log.With("repo", dest.Target.Name, "path", dest.Path),
		reporter: progress.NewReporter(sink, key, opts.CombinedProgress),
		states:   []State{StatePending},
	}
}

// State returns current state of the job
func (j *Job) State() State {
	return j.states[len(j.states)-1]
}

// States returns all states the job went through in order
func (j *Job) States() []State {
	return append([]State(nil), j.states...)
}

func (j *Job) setState(s State) {
	j.log.Log(context.Background(), -8, "job state changed", "from", j.State(), "to", s)
	j.states = append(j.states, s)
}

// Run executes the job and returns its result. Run never panics on backend
// failures, every failure is reported in the result.
func (j *Job) Run(ctx context.Context) (res Result) {
	res = Result{Target: j.dest.Target, Destination: j.dest, Started: time.Now()}

	j.reporter.Start()
	defer func() {
		res.Duration = time.Since(res.Started)
		if res.Err != nil {
			res.Class = vcs.Classify(res.Err)
			j.setState(StateFailed)
			j.log.Debug("mirror failed", "class", res.Class, "err", res.Err)
		} else {
			j.setState(StateDone)
			j.log.Debug("mirror done", "cloned", res.Cloned, "updated", res.Updated, "duration", res.Duration)
		}
		j.reporter.Finish()
		recordMirror(res)
	}()

	if !j.dest.Target.Valid() {
		res.Err = vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("invalid target identifier %q", j.dest.Target.ID))
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("mirror not started err:%w", err)
		return res
	}

	j.setState(StateDeciding)
	exists, err := destinationExists(j.dest.Path)
	if err != nil {
		res.Err = vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to inspect destination err:%w", err))
		return res
	}

	var h vcs.Handle
	if exists {
		h, res.Updated, res.Err = j.fetch(ctx)
	} else {
		res.Cloned = true
		h, res.Err = j.clone(ctx)
	}
	if res.Err != nil {
		return res
	}

	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("mirror interrupted before resolving head err:%w", err)
		return res
	}

	j.setState(StateResolvingHead)
	headChanged, err := j.resolveHead(ctx, h)
	if err != nil {
		res.Err = err
		return res
	}
	if !res.Cloned && headChanged {
		res.Updated = true
	}

	if j.opts.WriteInfoRefs {
		if err := writeInfoRefs(ctx, j.opts.Backend, h); err != nil {
			res.Err = vcs.WithClass(vcs.ErrFilesystem, err)
			return res
		}
	}

	return res
}

func (j *Job) callbacks(base progress.Stage) vcs.Callbacks {
	return vcs.Callbacks{
		Credentials: j.opts.Credentials,
		Transfer: func(t progress.Transfer) {
			j.reporter.Transfer(base, t)
		},
		Sideband: func(text string) {
			j.log.Log(context.Background(), -8, "remote", "msg", text)
			j.reporter.Message(text)
		},
	}
}

func (j *Job) clone(ctx context.Context) (vcs.Handle, error) {
	j.setState(StateCloning)
	j.reporter.Stage(progress.StageCloning)

	j.log.Debug("cloning repo")
	h, err := j.opts.Backend.CloneBare(ctx, j.dest.Target.ID, j.dest.Path, vcs.MirrorRefSpec, j.callbacks(progress.StageCloning))
	if err != nil {
		return nil, fmt.Errorf("unable to clone %s err:%w", j.dest.Target.ID, err)
	}
	return h, nil
}

// fetch returns handle of the existing mirror and whether fetch changed
// any local ref
func (j *Job) fetch(ctx context.Context) (vcs.Handle, bool, error) {
	j.setState(StateFetching)
	j.reporter.Stage(progress.StageFetching)

	h, err := j.opts.Backend.Open(ctx, j.dest.Path)
	if err != nil {
		return nil, false, fmt.Errorf("unable to open existing mirror err:%w", err)
	}

	before, err := refMap(ctx, j.opts.Backend, h)
	if err != nil {
		return nil, false, err
	}

	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("mirror interrupted before fetch err:%w", err)
	}

	j.log.Debug("fetching repo")
	stats, err := j.opts.Backend.Fetch(ctx, h, vcs.DefaultRemote, j.dest.Target.ID, j.callbacks(progress.StageFetching))
	if err != nil {
		return nil, false, fmt.Errorf("unable to fetch %s err:%w", j.dest.Target.ID, err)
	}

	after, err := refMap(ctx, j.opts.Backend, h)
	if err != nil {
		return nil, false, err
	}

	updated := len(stats.UpdatedRefs) > 0 || !equalRefs(before, after)
	if updated {
		j.log.Debug("fetch updated refs", "refs", stats.UpdatedRefs)
	}
	return h, updated, nil
}

// resolveHead points local HEAD at remote default branch and reports
// whether the object HEAD resolves to changed
func (j *Job) resolveHead(ctx context.Context, h vcs.Handle) (bool, error) {
	b := j.opts.Backend

	headBefore, err := b.RefTarget(ctx, h, "HEAD")
	if err != nil && !errors.Is(err, vcs.ErrRefNotFound) {
		return false, err
	}

	ref, err := b.DefaultBranch(ctx, h, vcs.DefaultRemote, j.dest.Target.ID, j.callbacks(progress.StageFetching))
	if err != nil {
		return false, fmt.Errorf("unable to resolve default branch err:%w", vcs.WithClass(vcs.ErrRepositoryState, err))
	}
	if err := b.SetHead(ctx, h, ref); err != nil {
		return false, fmt.Errorf("unable to set head to %s err:%w", ref, err)
	}

	headAfter, err := b.RefTarget(ctx, h, "HEAD")
	if err != nil && !errors.Is(err, vcs.ErrRefNotFound) {
		return false, err
	}
	return headBefore != headAfter, nil
}

func refMap(ctx context.Context, b vcs.Backend, h vcs.Handle) (map[string]string, error) {
	refs, err := b.ListRefs(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("unable to list refs err:%w", err)
	}
	m := make(map[string]string, len(refs))
	for _, r := range refs {
		m[r.Name] = r.Target
	}
	return m, nil
}

func equalRefs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || v != w {
			return false
		}
	}
	return true
}

func destinationExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}
