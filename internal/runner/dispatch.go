package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// jobTimeout bounds a single side effect so a stuck broker or disk cannot hold the queue.
const jobTimeout = 5 * time.Second

type job struct {
	name string
	run  func(ctx context.Context) error
}

// lifecycleWait is how long the loop waits for queue space before giving up on
// a job that must not be lost (run lifecycle writes and published events).
const lifecycleWait = time.Second

// dispatcher runs side effects (store writes, MQTT publishes) in order on its
// own goroutine. Enqueue never blocks: when the queue is full the job is
// dropped. EnqueueWait waits up to a bound first.
type dispatcher struct {
	jobs    chan job
	log     *slog.Logger
	dropped func()
	wg      sync.WaitGroup
}

func newDispatcher(size int, log *slog.Logger, dropped func()) *dispatcher {
	d := &dispatcher{
		jobs:    make(chan job, size),
		log:     log,
		dropped: dropped,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for j := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		if err := j.run(ctx); err != nil {
			d.log.Error("side effect failed", "job", j.name, "error", err)
		}
		cancel()
	}
}

func (d *dispatcher) enqueue(name string, run func(ctx context.Context) error) {
	select {
	case d.jobs <- job{name: name, run: run}:
	default:
		d.drop(name)
	}
}

func (d *dispatcher) enqueueWait(name string, run func(ctx context.Context) error, wait time.Duration) {
	select {
	case d.jobs <- job{name: name, run: run}:
		return
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case d.jobs <- job{name: name, run: run}:
	case <-t.C:
		d.drop(name)
	}
}

func (d *dispatcher) drop(name string) {
	d.log.Warn("dispatch queue full, dropping job", "job", name)
	if d.dropped != nil {
		d.dropped()
	}
}

// close stops accepting jobs and waits for queued ones, at most timeout.
func (d *dispatcher) close(timeout time.Duration) {
	close(d.jobs)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.log.Warn("dispatch queue not drained before shutdown", "pending", len(d.jobs))
	}
}
