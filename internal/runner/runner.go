// Package runner owns the run timer and serializes everything that touches it:
// samples, control commands, button presses and heartbeats are handled by one
// goroutine. Side effects are handed to a bounded dispatcher.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/launch-timer/internal/gpio"
	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/metrics"
	"github.com/sweeney/launch-timer/internal/mqtt"
	"github.com/sweeney/launch-timer/internal/status"
	"github.com/sweeney/launch-timer/internal/store"
)

// DefaultQueueSize is the dispatcher queue length.
const DefaultQueueSize = 128

// ErrStopped is returned by Do and Configure once the loop has exited.
var ErrStopped = errors.New("runner stopped")

// Recorder persists runs. *store.Store implements it.
type Recorder interface {
	CreateRun(ctx context.Context, run store.Run) error
	MarkStarted(ctx context.Context, id string, at time.Time) error
	RecordResult(ctx context.Context, id string, e logic.Event) error
	RecordSample(ctx context.Context, id string, at time.Time, speed float64) error
	FinishRun(ctx context.Context, id string, outcome store.Outcome, at time.Time, maxSpeed float64) error
}

// Options configures a Runner. Only Targets and Unit are required.
type Options struct {
	Targets []logic.Target
	Unit    logic.Unit

	Publisher  mqtt.Publisher        // nil disables MQTT
	MQTTStatus mqtt.ConnectionStatus // optional
	Store      Recorder              // nil disables history
	Metrics    *metrics.Manager
	Tracker    *status.Tracker
	Buttons    gpio.Reader // nil disables buttons
	Debounce   time.Duration

	// Network refreshes network info for heartbeats; optional.
	Network func() *status.NetworkInfo

	// Rearm restarts the sample source when a run is armed and returns the
	// time its fresh samples begin. Older samples are not part of the run.
	// Optional; the simulator sets it.
	Rearm func() time.Time

	QueueSize int
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Ticks drives the periodic work of the loop. Nil channels never fire.
type Ticks struct {
	Poll      <-chan time.Time // button polling
	Heartbeat <-chan time.Time
}

// Runner is the launch timer's event loop.
type Runner struct {
	timer    *logic.RunTimer
	pub      mqtt.Publisher
	mqttStat mqtt.ConnectionStatus
	store    Recorder
	metrics  *metrics.Manager
	tracker  *status.Tracker
	buttons  gpio.Reader
	debounce *logic.ButtonDebouncer
	network  func() *status.NetworkInfo
	rearm    func() time.Time
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	queue    int

	samples  chan logic.Sample
	commands chan request
	done     chan struct{}

	// owned by the loop goroutine
	disp    *dispatcher
	runID   string
	active  bool          // the run is recorded and not yet finished
	since   time.Time     // samples before this are stale until the run starts
	reached []logic.Event // delivered by the sink during the current OnSample
}

// New creates a Runner with an idle timer.
func New(o Options) (*Runner, error) {
	r := &Runner{
		pub:      o.Publisher,
		mqttStat: o.MQTTStatus,
		store:    o.Store,
		metrics:  o.Metrics,
		tracker:  o.Tracker,
		buttons:  o.Buttons,
		network:  o.Network,
		rearm:    o.Rearm,
		log:      o.Logger,
		now:      o.Now,
		newID:    o.NewID,
		queue:    o.QueueSize,
		samples:  make(chan logic.Sample, 64),
		commands: make(chan request),
		done:     make(chan struct{}),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.queue <= 0 {
		r.queue = DefaultQueueSize
	}
	if r.metrics == nil {
		r.metrics = metrics.NewManager()
	}
	if r.tracker == nil {
		r.tracker = status.NewTracker(r.now(), status.Config{Unit: o.Unit})
	}
	if r.buttons != nil {
		r.debounce = logic.NewButtonDebouncer(o.Debounce)
	}

	timer, err := logic.NewRunTimer(o.Targets, o.Unit,
		logic.WithSink(r),
		logic.WithLogger(r.log),
		logic.WithRejectHook(func(logic.Sample, error) {
			r.metrics.SampleRejected()
			r.tracker.IncRejected()
		}),
	)
	if err != nil {
		return nil, err
	}
	r.timer = timer
	return r, nil
}

// Timer exposes the run timer for read-only use (Snapshot, Phase, CurrentElapsed).
func (r *Runner) Timer() *logic.RunTimer { return r.timer }

// Feed queues a sample for the loop. It blocks while the queue is full and
// returns false once the loop has exited.
func (r *Runner) Feed(s logic.Sample) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.samples <- s:
		return true
	case <-r.done:
		return false
	}
}

// Do executes a control command on the loop and returns its result.
func (r *Runner) Do(ctx context.Context, cmd Command) error {
	return r.send(ctx, request{cmd: cmd})
}

// Configure replaces the targets and display unit. Only allowed while idle.
func (r *Runner) Configure(ctx context.Context, targets []logic.Target, unit logic.Unit) error {
	return r.send(ctx, request{cmd: CmdConfigure, targets: targets, unit: unit})
}

func (r *Runner) send(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case r.commands <- req:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is done or a signal arrives.
// A signal publishes SHUTDOWN with the signal name; a run in progress is
// recorded as aborted either way.
func (r *Runner) Run(ctx context.Context, ticks Ticks, sig <-chan os.Signal) error {
	r.disp = newDispatcher(r.queue, r.log, r.metrics.DispatchDropped)
	defer close(r.done)

	r.metrics.SetPhase(r.timer.Phase())
	r.publishState()

	for {
		select {
		case <-ctx.Done():
			r.shutdown("")
			return nil

		case s := <-sig:
			r.log.Info("shutting down", "signal", s)
			r.shutdown(signalName(s))
			return nil

		case s := <-r.samples:
			r.onSample(s)

		case req := <-r.commands:
			req.reply <- r.handle(req)

		case t := <-ticks.Poll:
			r.pollButtons(t)

		case <-ticks.Heartbeat:
			r.heartbeat()
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

func (r *Runner) handle(req request) error {
	var err error
	switch req.cmd {
	case CmdStart:
		err = r.start()
	case CmdStop:
		err = r.stop()
	case CmdReset:
		r.reset()
	case CmdConfigure:
		err = r.timer.Configure(req.targets, req.unit)
		if err == nil {
			r.log.Info("targets configured", "unit", req.unit, "targets", len(req.targets))
			r.tracker.SetTargets(req.unit, thresholds(req.targets))
			r.runID = ""
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, req.cmd)
	}
	if err != nil {
		r.log.Warn("command rejected", "command", req.cmd, "error", err)
		return err
	}
	r.publishState()
	return nil
}

func (r *Runner) start() error {
	if err := r.timer.Start(); err != nil {
		return err
	}
	snap := r.timer.Snapshot()
	r.runID = r.newID()
	r.active = true
	now := r.now()
	r.since = time.Time{}
	if r.rearm != nil {
		r.since = r.rearm()
	}

	r.log.Info("run armed", "run", r.runID, "unit", snap.Unit, "targets", len(snap.Targets))
	r.metrics.RunStarted()

	run := store.Run{ID: r.runID, CreatedAt: now, Unit: snap.Unit, Targets: thresholds(snap.Targets)}
	r.record("create run", func(ctx context.Context) error { return r.store.CreateRun(ctx, run) })
	r.publish(mqtt.RunEvent{Timestamp: now, RunID: r.runID, Type: mqtt.EventArmed, Unit: snap.Unit})
	return nil
}

func (r *Runner) stop() error {
	if err := r.timer.Stop(); err != nil {
		return err
	}
	r.finish(store.OutcomeStopped, mqtt.EventStopped, r.timer.Snapshot())
	return nil
}

func (r *Runner) reset() {
	last := r.timer.Snapshot()
	r.timer.Reset()
	if r.active {
		r.finish(store.OutcomeReset, mqtt.EventReset, last)
	} else if r.runID != "" {
		r.publish(mqtt.RunEvent{Timestamp: r.now(), RunID: r.runID, Type: mqtt.EventReset, Unit: last.Unit})
	}
	r.runID = ""
	r.log.Info("timer reset")
}

// finish records the end of the active run; snap is the run's final state.
func (r *Runner) finish(outcome store.Outcome, event mqtt.EventType, snap logic.RunState) {
	if !r.active {
		return
	}
	r.active = false
	id, now, maxSpeed := r.runID, r.now(), snap.MaxSpeed

	r.log.Info("run finished", "run", id, "outcome", outcome, "reached", snap.ReachedCount(), "max_speed", maxSpeed)
	r.metrics.RunFinished(string(outcome))
	r.record("finish run", func(ctx context.Context) error {
		return r.store.FinishRun(ctx, id, outcome, now, maxSpeed)
	})
	r.publish(mqtt.RunEvent{Timestamp: now, RunID: id, Type: event, Unit: snap.Unit, MaxSpeed: maxSpeed})
}

func (r *Runner) onSample(s logic.Sample) {
	if !r.since.IsZero() && r.timer.Phase() == logic.PhaseRunning {
		if s.Time.Before(r.since) {
			r.log.Debug("dropping sample from before the run was armed", "at", s.Time)
			return
		}
		r.since = time.Time{}
	}
	before := r.timer.Snapshot().Samples
	r.reached = r.reached[:0]
	r.timer.OnSample(s)
	snap := r.timer.Snapshot()
	if snap.Samples == before {
		return // ignored or rejected
	}
	r.metrics.SampleObserved(snap.LastSpeed)

	id, at, speed := r.runID, snap.LastSample, snap.LastSpeed
	if snap.Samples == 1 {
		r.log.Info("run started", "run", id, "at", at)
		r.record("mark started", func(ctx context.Context) error { return r.store.MarkStarted(ctx, id, at) })
		r.publish(mqtt.RunEvent{Timestamp: at, RunID: id, Type: mqtt.EventStarted, Unit: snap.Unit})
	}
	if r.store != nil && id != "" {
		// sample writes may be dropped under load
		r.disp.enqueue("record sample", func(ctx context.Context) error { return r.store.RecordSample(ctx, id, at, speed) })
	}
	for _, e := range r.reached {
		r.targetReached(e)
	}

	if snap.Phase == logic.PhaseCompleted {
		r.finish(store.OutcomeCompleted, mqtt.EventCompleted, snap)
	}
	r.publishState()
}

// OnTargetReached makes the Runner the timer's result sink. It is called on
// the loop goroutine from inside OnSample; events are handled once the sample
// itself has been recorded.
func (r *Runner) OnTargetReached(e logic.Event) {
	r.reached = append(r.reached, e)
}

func (r *Runner) targetReached(e logic.Event) {
	id := r.runID
	r.log.Info("target reached", "run", id, "target", metrics.TargetLabel(e.Target), "elapsed", e.Elapsed, "speed", e.Speed)
	r.metrics.OnTargetReached(e)
	r.record("record result", func(ctx context.Context) error { return r.store.RecordResult(ctx, id, e) })
	r.publish(mqtt.RunEvent{Timestamp: e.Time, RunID: id, Type: mqtt.EventTargetReached, Unit: e.Target.Unit, Result: &e})
}

func (r *Runner) pollButtons(at time.Time) {
	if r.buttons == nil {
		return
	}
	arm, reset, err := r.buttons.Read()
	if err != nil {
		r.log.Error("gpio read error", "error", err)
		return
	}
	presses := r.debounce.Process(logic.ButtonInput{Arm: arm, Reset: reset, Time: at})
	for _, p := range presses {
		r.log.Info("button pressed", "button", p.Type)
		var err error
		switch p.Type {
		case logic.PressArm:
			err = r.toggle()
		case logic.PressReset:
			r.reset()
		}
		if err != nil {
			r.log.Warn("button ignored", "button", p.Type, "error", err)
		}
	}
	r.tracker.UpdateButtons(r.debounce.IsBaselined(), r.debounce.Counts())
	if len(presses) > 0 {
		r.publishState()
	}
}

// toggle is the ARM button: start when idle, stop when running, re-arm when completed.
func (r *Runner) toggle() error {
	switch r.timer.Phase() {
	case logic.PhaseRunning:
		return r.stop()
	case logic.PhaseCompleted:
		r.reset()
	}
	return r.start()
}

func (r *Runner) heartbeat() {
	r.refreshConnection()
	if r.network != nil {
		if net := r.network(); net != nil {
			r.tracker.SetNetwork(net)
		}
	}
	snap := r.tracker.Snapshot()
	r.log.Info("heartbeat", "uptime", snap.Uptime().Truncate(time.Second), "phase", snap.Run.Phase, "rejected", snap.Rejected)
	r.publishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
	})
}

func (r *Runner) shutdown(reason string) {
	if r.active {
		if r.timer.Phase() == logic.PhaseRunning {
			_ = r.timer.Stop()
		}
		r.finish(store.OutcomeAborted, mqtt.EventStopped, r.timer.Snapshot())
		r.publishState()
	}
	if reason != "" {
		r.refreshConnection()
		snap := r.tracker.Snapshot()
		r.publishSystem(mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "SHUTDOWN",
			Reason:     reason,
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
		})
	}
	r.disp.close(2 * jobTimeout)
}

func (r *Runner) refreshConnection() {
	if r.mqttStat == nil {
		return
	}
	up := r.mqttStat.IsConnected()
	r.tracker.SetMQTTConnected(up)
	r.metrics.SetMQTTConnected(up)
}

func (r *Runner) publishState() {
	snap := r.timer.Snapshot()
	r.tracker.UpdateRun(r.runID, snap)
	r.metrics.SetPhase(snap.Phase)
}

func (r *Runner) record(name string, fn func(ctx context.Context) error) {
	if r.store == nil || r.runID == "" {
		return
	}
	r.disp.enqueueWait(name, fn, lifecycleWait)
}

func (r *Runner) publish(e mqtt.RunEvent) {
	if r.pub == nil {
		return
	}
	pub := r.pub
	r.disp.enqueueWait("publish "+string(e.Type), func(context.Context) error { return pub.Publish(e) }, lifecycleWait)
}

func (r *Runner) publishSystem(e mqtt.SystemEvent) {
	if r.pub == nil {
		return
	}
	pub := r.pub
	run := func(context.Context) error { return pub.PublishSystem(e) }
	if e.Event == "HEARTBEAT" {
		r.disp.enqueue("publish "+e.Event, run)
		return
	}
	r.disp.enqueueWait("publish "+e.Event, run, lifecycleWait)
}

func thresholds(targets []logic.Target) []float64 {
	out := make([]float64, len(targets))
	for i, t := range targets {
		out[i] = t.Threshold
	}
	return out
}
