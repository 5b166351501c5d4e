package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

func SplitAbs(abs string) (string, string) {
	if abs == "" {
		return "", ""
	}

	// filepath.Split promises that dir+base == input, but trailing slashes on
	// the dir is confusing and ugly.
	pathSep := string(os.PathSeparator)
	dir, base := filepath.Split(strings.TrimRight(abs, pathSep))
	dir = strings.TrimRight(dir, pathSep)
	if len(dir) == 0 {
		dir = string(os.PathSeparator)
	}

	return dir, base
}

// ReCreate removes dir and any children it contains and creates new dir
// on the same path
func ReCreate(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("can't delete unusable dir: %w", err)
	}
	if err := os.MkdirAll(path, defaultDirMode); err != nil {
		return fmt.Errorf("unable to create repo dir err:%w", err)
	}
	return nil
}

// DirIsEmpty returns true if given dir has no entries
func DirIsEmpty(path string) (bool, error) {
	dirents, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(dirents) == 0, nil
}

// WriteFileAtomic writes data to a temp file in the same dir and renames
// it over path so readers never see a partially written file
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("unable to rename %s err:%w", tmp.Name(), err)
	}
	return nil
}

// RunCommand runs given command with given arguments on given CWD
func RunCommand(ctx context.Context, log *slog.Logger, envs []string, cwd string, command string, args ...string) (string, error) {
	return run(ctx, log, envs, cwd, nil, nil, command, args...)
}

// RunCommandWithInput runs given command and writes input to its stdin
func RunCommandWithInput(ctx context.Context, log *slog.Logger, envs []string, cwd string, input string, command string, args ...string) (string, error) {
	return run(ctx, log, envs, cwd, strings.NewReader(input), nil, command, args...)
}

// RunCommandStream runs given command and calls onStderr for every line
// written to stderr while the command is running. Lines are split on both
// '\n' and '\r' since git redraws progress lines with carriage returns.
func RunCommandStream(ctx context.Context, log *slog.Logger, envs []string, cwd string, onStderr func(line string), command string, args ...string) (string, error) {
	return run(ctx, log, envs, cwd, nil, onStderr, command, args...)
}

func run(ctx context.Context, log *slog.Logger, envs []string, cwd string, stdin io.Reader, onStderr func(string), command string, args ...string) (string, error) {
	cmdStr := command + " " + strings.Join(args, " ")
	log.Log(ctx, -8, "running command", "cwd", cwd, "cmd", cmdStr)

	cmd := exec.CommandContext(ctx, command, args...)
	// force kill git & child process 5 seconds after sending it sigterm (when ctx is cancelled/timed out)
	cmd.WaitDelay = 5 * time.Second
	if cwd != "" {
		cmd.Dir = cwd
	}
	outbuf := bytes.NewBuffer(nil)
	errbuf := bytes.NewBuffer(nil)
	cmd.Stdout = outbuf
	cmd.Stderr = errbuf
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var lw *lineWriter
	if onStderr != nil {
		lw = &lineWriter{fn: onStderr}
		cmd.Stderr = io.MultiWriter(errbuf, lw)
	}

	// If Env is nil, the new process uses the current process's environment.
	cmd.Env = []string{}

	if len(envs) > 0 {
		cmd.Env = append(cmd.Env, envs...)
	}

	start := time.Now()
	err := cmd.Run()
	runTime := time.Since(start)

	if lw != nil {
		lw.flush()
	}

	stdout := strings.TrimSpace(outbuf.String())
	stderr := strings.TrimSpace(errbuf.String())
	if ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("Run(%s): err:%w { stdout: %q, stderr: %q }", cmdStr, err, stdout, stderr)
	}
	log.Log(ctx, -8, "command result", "stdout", stdout, "stderr", stderr, "time", runTime)

	return stdout, nil
}

// lineWriter buffers written bytes and calls fn for each complete line
type lineWriter struct {
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emit()
			continue
		}
		w.buf = append(w.buf, b)
	}
	return len(p), nil
}

func (w *lineWriter) emit() {
	if len(w.buf) == 0 {
		return
	}
	w.fn(string(w.buf))
	w.buf = w.buf[:0]
}

func (w *lineWriter) flush() {
	w.emit()
}
