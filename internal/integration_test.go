package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/metrics"
	"github.com/sweeney/launch-timer/internal/mqtt"
	"github.com/sweeney/launch-timer/internal/runner"
	"github.com/sweeney/launch-timer/internal/source"
	"github.com/sweeney/launch-timer/internal/status"
	"github.com/sweeney/launch-timer/internal/store"
	"github.com/sweeney/launch-timer/internal/web"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// system wires the daemon the way main does, with a fake broker.
type system struct {
	pub     *mqtt.FakePublisher
	store   *store.Store
	tracker *status.Tracker
	runner  *runner.Runner
	http    *httptest.Server
	sig     chan os.Signal
	cancel  context.CancelFunc
	done    chan error
}

func startSystem(t *testing.T, unit logic.Unit, thresholds ...float64) *system {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "runs.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	targets, err := logic.NewTargets(unit, thresholds...)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	s := &system{
		pub:     mqtt.NewFakePublisher(),
		store:   st,
		tracker: status.NewTracker(t0, status.Config{Unit: unit, Targets: thresholds, Precision: 2, Source: "mqtt"}),
		sig:     make(chan os.Signal, 1),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	m := metrics.NewManager()
	s.runner, err = runner.New(runner.Options{
		Targets:    targets,
		Unit:       unit,
		Publisher:  s.pub,
		MQTTStatus: s.pub,
		Store:      st,
		Metrics:    m,
		Tracker:    s.tracker,
		Logger:     log,
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	srv := web.New(web.Options{Tracker: s.tracker, Controller: s.runner, History: st, Metrics: m.Handler(), Logger: log})
	s.http = httptest.NewServer(srv.Handler())
	t.Cleanup(s.http.Close)

	src := source.NewMQTT(s.pub, log)
	go src.Subscribe(ctx, func(sample logic.Sample) { s.runner.Feed(sample) })
	go func() { s.done <- s.runner.Run(ctx, runner.Ticks{}, s.sig) }()

	// An empty object is dropped by the source, so it only probes the subscription.
	waitFor(t, "sample subscription", func() bool { return s.sendRaw([]byte(`{}`)) })
	return s
}

// sendRaw delivers payload on the samples topic and reports whether anyone listened.
func (s *system) sendRaw(payload []byte) bool {
	return s.pub.Deliver(source.TopicSamples, payload)
}

func (s *system) send(t *testing.T, speed float64, unit logic.Unit, at time.Duration) {
	t.Helper()
	payload := fmt.Sprintf(`{"speed":%g,"unit":%q,"timestamp":%q}`, speed, unit, t0.Add(at).Format(time.RFC3339Nano))
	if !s.sendRaw([]byte(payload)) {
		t.Fatal("samples topic has no subscriber")
	}
}

func (s *system) post(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Post(s.http.URL+path, "", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (s *system) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
}

// stop shuts the run loop down and waits for queued writes to land.
func (s *system) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	s.wait(t)
}

func (s *system) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *system) waitPhase(t *testing.T, phase logic.Phase) {
	t.Helper()
	waitFor(t, string(phase), func() bool { return s.tracker.Snapshot().Run.Phase == phase })
}

func (s *system) waitSamples(t *testing.T, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d samples", n), func() bool { return s.tracker.Snapshot().Run.Samples == n })
}

// runPayloads decodes the published run events. Call it after the loop has exited.
func runPayloads(t *testing.T, pub *mqtt.FakePublisher) []mqtt.RunPayload {
	t.Helper()
	var out []mqtt.RunPayload
	for _, raw := range pub.Payloads {
		var p mqtt.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("bad payload %s: %v", raw, err)
		}
		out = append(out, p.Run)
	}
	return out
}

// TestIntegrationFullFlow drives a run from broker samples through to the
// published events and the stored history.
func TestIntegrationFullFlow(t *testing.T) {
	s := startSystem(t, logic.UnitKMH, 50, 100)

	if code := s.post(t, "/run/start"); code != http.StatusOK {
		t.Fatalf("start: got %d", code)
	}
	s.send(t, 0, logic.UnitKMH, 0)
	s.send(t, 30, logic.UnitKMH, time.Second)
	s.send(t, 60, logic.UnitKMH, 2500*time.Millisecond)
	s.send(t, 105, logic.UnitKMH, 5250*time.Millisecond)
	s.waitPhase(t, logic.PhaseCompleted)

	var live status.StatusJSON
	s.getJSON(t, "/index.json", &live)
	if live.Status.Run.Phase != "COMPLETED" || live.Status.Run.Samples != 4 {
		t.Errorf("live run: got %+v", live.Status.Run)
	}
	s.stop(t)

	payloads := runPayloads(t, s.pub)
	var events []string
	for _, p := range payloads {
		events = append(events, p.Event)
	}
	want := []string{"ARMED", "STARTED", "TARGET_REACHED", "TARGET_REACHED", "COMPLETED"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("events: got %v, want %v", events, want)
	}
	first := payloads[2]
	if *first.Target != 50 || first.Elapsed != "PT2.5S" || *first.ElapsedMs != 2500 || *first.Speed != 60 {
		t.Errorf("first target payload: %+v", first)
	}
	second := payloads[3]
	if *second.Target != 100 || *second.ElapsedMs != 5250 {
		t.Errorf("second target payload: %+v", second)
	}
	if *payloads[4].MaxSpeed != 105 {
		t.Errorf("max speed: got %v, want 105", *payloads[4].MaxSpeed)
	}

	var runs web.RunsJSON
	s.getJSON(t, "/runs.json", &runs)
	if len(runs.Runs) != 1 {
		t.Fatalf("runs: got %d, want 1", len(runs.Runs))
	}
	run := runs.Runs[0]
	if run.Outcome != "completed" || run.MaxSpeed != 105 || run.StartedAt != t0.Format(time.RFC3339Nano) {
		t.Errorf("stored run: %+v", run)
	}
	if len(run.Results) != 2 || run.Results[0].ElapsedSeconds != 2.5 || run.Results[1].ElapsedSeconds != 5.25 {
		t.Errorf("stored results: %+v", run.Results)
	}
	if len(runs.Stats) != 2 || runs.Stats[0].Count != 1 || runs.Stats[0].BestSeconds != 2.5 {
		t.Errorf("stats: %+v", runs.Stats)
	}

	points, err := s.store.Samples(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(points) != 4 {
		t.Errorf("stored samples: got %d, want 4", len(points))
	}
}

// TestIntegrationUnitConversion feeds mph samples to a km/h timer.
func TestIntegrationUnitConversion(t *testing.T) {
	s := startSystem(t, logic.UnitKMH, 100)

	s.post(t, "/run/start")
	s.send(t, 0, logic.UnitMPH, 0)
	s.send(t, 60, logic.UnitMPH, 4*time.Second) // 96.56 km/h
	s.send(t, 63, logic.UnitMPH, 5*time.Second) // 101.39 km/h
	s.waitPhase(t, logic.PhaseCompleted)

	elapsed, ok := s.runner.Timer().CurrentElapsed(logic.Target{Threshold: 100, Unit: logic.UnitKMH})
	if !ok || elapsed != 5*time.Second {
		t.Errorf("elapsed: got %v (reached=%v), want 5s", elapsed, ok)
	}
	s.stop(t)
}

// TestIntegrationBadSamplesDoNotAbortRun checks that broken messages and
// malformed samples are discarded while the run carries on.
func TestIntegrationBadSamplesDoNotAbortRun(t *testing.T) {
	s := startSystem(t, logic.UnitMPS, 10)

	s.post(t, "/run/start")
	s.send(t, 0, logic.UnitMPS, 0)
	s.sendRaw([]byte(`not json`))
	s.sendRaw([]byte(`{"speed":5,"unit":"knots"}`))
	s.send(t, -3, logic.UnitMPS, time.Second)
	s.send(t, 4, logic.UnitMPS, -time.Second)
	s.send(t, 11, logic.UnitMPS, 2*time.Second)
	s.waitPhase(t, logic.PhaseCompleted)

	var live status.StatusJSON
	s.getJSON(t, "/index.json", &live)
	if live.Status.Rejected != 2 {
		t.Errorf("rejected_samples: got %d, want 2", live.Status.Rejected)
	}
	if live.Status.Run.Samples != 2 {
		t.Errorf("samples: got %d, want 2", live.Status.Run.Samples)
	}
	s.stop(t)
}

// TestIntegrationControlTopic starts and resets a run over MQTT.
func TestIntegrationControlTopic(t *testing.T) {
	s := startSystem(t, logic.UnitMPS, 10)
	ctx := context.Background()

	handle := func(payload []byte) {
		cmd, err := runner.ParseCommand(string(payload))
		if err != nil {
			return
		}
		s.runner.Do(ctx, cmd)
	}
	s.pub.Subscribe(mqtt.TopicControl, handle)

	s.pub.Deliver(mqtt.TopicControl, []byte("START"))
	s.waitPhase(t, logic.PhaseRunning)
	s.send(t, 0, logic.UnitMPS, 0)
	s.send(t, 6, logic.UnitMPS, time.Second)
	s.waitSamples(t, 2)
	s.pub.Deliver(mqtt.TopicControl, []byte("RESET"))
	s.waitPhase(t, logic.PhaseIdle)

	if code := s.post(t, "/run/stop"); code != http.StatusConflict {
		t.Errorf("stop while idle: got %d, want 409", code)
	}
	s.stop(t)

	runs, err := s.store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeReset || runs[0].MaxSpeed != 6 {
		t.Errorf("runs: %+v", runs)
	}
}

// TestIntegrationShutdownDuringRun aborts a run with SIGTERM.
func TestIntegrationShutdownDuringRun(t *testing.T) {
	s := startSystem(t, logic.UnitMPS, 10, 20)

	s.post(t, "/run/start")
	s.send(t, 0, logic.UnitMPS, 0)
	s.send(t, 12, logic.UnitMPS, 2*time.Second)
	s.waitSamples(t, 2)

	s.sig <- syscall.SIGTERM
	s.wait(t)

	names := s.pub.SystemEventNames()
	if len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Fatalf("system events: got %v, want [SHUTDOWN]", names)
	}
	var shutdown status.StatusJSON
	if err := json.Unmarshal(s.pub.SystemPayloads[0], &shutdown); err != nil {
		t.Fatalf("shutdown payload: %v", err)
	}
	if shutdown.Status.Event != "SHUTDOWN" || shutdown.Status.Reason != "SIGTERM" {
		t.Errorf("shutdown payload: event=%q reason=%q", shutdown.Status.Event, shutdown.Status.Reason)
	}
	if len(shutdown.Status.Run.Targets) != 2 || !shutdown.Status.Run.Targets[0].Reached {
		t.Errorf("shutdown run: %+v", shutdown.Status.Run)
	}

	runs, err := s.store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeAborted || len(runs[0].Results) != 1 {
		t.Errorf("runs: %+v", runs)
	}
}
