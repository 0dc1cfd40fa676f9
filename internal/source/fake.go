package source

import (
	"context"
	"sync"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Fake replays scripted samples for testing.
type Fake struct {
	mu      sync.Mutex
	samples []logic.Sample

	// Err, if set, is returned by Subscribe after the script is delivered.
	Err error

	// Done is closed once every scripted sample has been delivered.
	Done chan struct{}
}

// NewFake creates a Fake that delivers samples in order.
func NewFake(samples ...logic.Sample) *Fake {
	return &Fake{samples: samples, Done: make(chan struct{})}
}

// Subscribe delivers the script, then blocks until ctx is done.
func (f *Fake) Subscribe(ctx context.Context, fn func(logic.Sample)) error {
	f.mu.Lock()
	script := append([]logic.Sample(nil), f.samples...)
	f.mu.Unlock()

	for _, s := range script {
		if ctx.Err() != nil {
			return nil
		}
		fn(s)
	}
	close(f.Done)
	if f.Err != nil {
		return f.Err
	}
	<-ctx.Done()
	return nil
}
