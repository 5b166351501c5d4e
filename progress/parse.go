package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// "Receiving objects:  45% (450/1000), 1.20 MiB | 2.00 MiB/s"
// "Resolving deltas: 100% (10/10), done."
var counterLineRgx = regexp.MustCompile(`^(Receiving objects|Resolving deltas):\s+\d+% \((\d+)/(\d+)\)`)

const remotePrefix = "remote:"

// RemoteText returns text of a 'remote:' sideband line
func RemoteText(line string) (string, bool) {
	if !strings.HasPrefix(line, remotePrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, remotePrefix)), true
}

// Tracker accumulates transfer counters from git progress output lines
type Tracker struct {
	transfer Transfer
}

// Update parses line and returns the updated counters. ok is false if the
// line did not carry transfer counters.
func (tr *Tracker) Update(line string) (t Transfer, ok bool) {
	m := counterLineRgx.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return tr.transfer, false
	}
	done, err := strconv.Atoi(m[2])
	if err != nil {
		return tr.transfer, false
	}
	total, err := strconv.Atoi(m[3])
	if err != nil {
		return tr.transfer, false
	}

	switch m[1] {
	case "Receiving objects":
		tr.transfer.ReceivedObjects = done
		tr.transfer.TotalObjects = total
	case "Resolving deltas":
		// all objects are in once git starts resolving deltas
		tr.transfer.ReceivedObjects = tr.transfer.TotalObjects
		tr.transfer.IndexedDeltas = done
		tr.transfer.TotalDeltas = total
	}
	return tr.transfer, true
}

// Transfer returns current counters
func (tr *Tracker) Transfer() Transfer {
	return tr.transfer
}
