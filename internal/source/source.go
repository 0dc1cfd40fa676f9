// Package source produces time-ordered speed samples for the run timer.
package source

import (
	"context"
	"errors"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Source delivers speed samples.
type Source interface {
	// Subscribe calls fn for every sample until ctx is done or the source
	// fails. It returns nil once ctx is done.
	Subscribe(ctx context.Context, fn func(logic.Sample)) error
}

// Parse errors. A sentence that is not RMC is skipped silently; the others are logged.
var (
	ErrNotRMC     = errors.New("not an RMC sentence")
	ErrChecksum   = errors.New("checksum mismatch")
	ErrNoFix      = errors.New("no GPS fix")
	ErrBadPayload = errors.New("bad sample payload")
)
