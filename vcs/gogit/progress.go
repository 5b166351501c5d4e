package gogit

import (
	"strings"

	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/vcs"
)

// progressWriter receives sideband progress stream of the server and
// splits it into transfer counters and text messages
type progressWriter struct {
	cb      vcs.Callbacks
	tracker progress.Tracker
	buf     []byte
}

func newProgressWriter(cb vcs.Callbacks) *progressWriter {
	return &progressWriter{cb: cb}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := strings.IndexAny(string(w.buf), "\r\n")
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush handles any partial line left in the buffer
func (w *progressWriter) Flush() {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

func (w *progressWriter) line(l string) {
	l = strings.TrimSpace(l)
	if l == "" {
		return
	}
	if t, ok := w.tracker.Update(l); ok {
		if w.cb.Transfer != nil {
			w.cb.Transfer(t)
		}
		return
	}
	if text, ok := progress.RemoteText(l); ok {
		l = text
	}
	if w.cb.Sideband != nil && l != "" {
		w.cb.Sideband(l)
	}
}
