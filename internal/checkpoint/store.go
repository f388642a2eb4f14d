// Package checkpoint persists run state between stage transitions so a
// paused or crashed run can resume from its last completed stage.
//
// State is stored as opaque self-describing bytes (JSON maps of named
// fields); the store never interprets them.
package checkpoint

import (
	"context"
	"errors"
	"regexp"
)

// ErrNotFound is returned when no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint not found")

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is the durable (or degraded in-memory) backing for run state.
// All access is read-modify-write through the owning orchestrator; the
// store itself does no merging.
type Store interface {
	Save(ctx context.Context, runID string, state []byte) error
	Load(ctx context.Context, runID string) ([]byte, error)
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context) ([]string, error)
	Close()
}

// IsSafeRunID reports whether the id is storable without quoting concerns.
func IsSafeRunID(id string) bool {
	return runIDPattern.MatchString(id)
}
