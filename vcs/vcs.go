// Package vcs defines the version control operations a mirror job needs
// from a backend, and the failure classes backends report.
package vcs

import (
	"context"
	"errors"
	"fmt"

	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/progress"
)

// MirrorRefSpec mirrors every ref of the remote into the same ref locally
const MirrorRefSpec = "+refs/*:refs/*"

// DefaultRemote is the name of the remote created by CloneBare
const DefaultRemote = "origin"

// Ref is a reference name and the object id it points at
type Ref struct {
	Name   string
	Target string
}

// TransferStats summarises a clone or fetch
type TransferStats struct {
	progress.Transfer
	// UpdatedRefs lists refs changed by a fetch when the backend can tell
	UpdatedRefs []string
}

// Callbacks are invoked by a backend during network operations. All fields
// are optional.
type Callbacks struct {
	// Credentials resolves the credential for the remote url
	Credentials credential.Func
	// Transfer receives transfer counters as they change
	Transfer func(progress.Transfer)
	// Sideband receives human readable remote messages
	Sideband func(text string)
}

// Handle is an open bare repository owned by a single job
type Handle interface {
	Path() string
}

// Backend is the version control implementation used by mirror jobs
type Backend interface {
	// CloneBare creates a bare repository at dest with an origin remote
	// using refspec, marks it as a mirror and fetches everything.
	CloneBare(ctx context.Context, url, dest, refspec string, cb Callbacks) (Handle, error)
	// Open opens an existing bare repository
	Open(ctx context.Context, dest string) (Handle, error)
	// Fetch downloads objects from the named remote without integrating
	// them. If the remote does not exist an anonymous remote bound to url
	// is used.
	Fetch(ctx context.Context, h Handle, remote, url string, cb Callbacks) (TransferStats, error)
	// DefaultBranch returns the ref the remote HEAD points at
	DefaultBranch(ctx context.Context, h Handle, remote, url string, cb Callbacks) (string, error)
	// SetHead points local HEAD at ref
	SetHead(ctx context.Context, h Handle, ref string) error
	// ListRefs returns all refs of the repository except HEAD
	ListRefs(ctx context.Context, h Handle) ([]Ref, error)
	// RefTarget returns object id of the named ref
	RefTarget(ctx context.Context, h Handle, name string) (string, error)
}

var (
	ErrAuthentication  = errors.New("authentication failure")
	ErrTransfer        = errors.New("transfer failure")
	ErrRepositoryState = errors.New("repository state failure")
	ErrFilesystem      = errors.New("filesystem failure")

	// ErrRefNotFound is returned by RefTarget for unknown refs
	ErrRefNotFound = errors.New("reference not found")
)

// Class is the failure class of an error
type Class int

const (
	ClassNone Class = iota
	ClassAuthentication
	ClassTransfer
	ClassRepositoryState
	ClassFilesystem
)

func (c Class) String() string {
	switch c {
	case ClassAuthentication:
		return "authentication"
	case ClassTransfer:
		return "transfer"
	case ClassRepositoryState:
		return "repository-state"
	case ClassFilesystem:
		return "filesystem"
	default:
		return "none"
	}
}

// Classify returns the failure class carried by err. Errors without a
// class are treated as transfer failures.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAuthentication):
		return ClassAuthentication
	case errors.Is(err, ErrRepositoryState):
		return ClassRepositoryState
	case errors.Is(err, ErrFilesystem):
		return ClassFilesystem
	default:
		return ClassTransfer
	}
}

// Classified reports whether err already carries a failure class
func Classified(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrTransfer) ||
		errors.Is(err, ErrRepositoryState) || errors.Is(err, ErrFilesystem)
}

// WithClass tags err with class unless it already carries one
func WithClass(class error, err error) error {
	if err == nil || Classified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}
