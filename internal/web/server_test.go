package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/metrics"
	"github.com/sweeney/launch-timer/internal/runner"
	"github.com/sweeney/launch-timer/internal/status"
	"github.com/sweeney/launch-timer/internal/store"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeController struct {
	mu       sync.Mutex
	commands []runner.Command
	targets  []logic.Target
	unit     logic.Unit
	err      error
}

func (f *fakeController) Do(_ context.Context, cmd runner.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeController) Configure(_ context.Context, targets []logic.Target, unit logic.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.targets, f.unit = targets, unit
	return nil
}

func (f *fakeController) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeController) state() ([]runner.Command, []logic.Target, logic.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.commands...), f.targets, f.unit
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	tracker *status.Tracker
	control *fakeController
	history *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := status.Config{
		Unit:        logic.UnitKMH,
		Targets:     []float64{50, 100},
		IntervalMs:  100,
		Precision:   2,
		Source:      "sim",
		GPIO:        true,
		PollMs:      20,
		DebounceMs:  50,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPAddr:    ":80",
	}
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), quietLog())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ts := &testServer{
		tracker: status.NewTracker(start, cfg),
		control: &fakeController{},
		history: st,
	}
	srv := New(Options{
		Addr:       ":0",
		Tracker:    ts.tracker,
		Controller: ts.control,
		History:    st,
		Metrics:    metrics.NewManager().Handler(),
		Logger:     quietLog(),
	})
	ts.Server = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func kmhRun(t *testing.T, speeds ...float64) logic.RunState {
	t.Helper()
	targets, err := logic.NewTargets(logic.UnitKMH, 50, 100)
	if err != nil {
		t.Fatal(err)
	}
	timer, err := logic.NewRunTimer(targets, logic.UnitKMH, logic.WithLogger(quietLog()))
	if err != nil {
		t.Fatal(err)
	}
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	for i, v := range speeds {
		timer.OnSample(logic.Sample{Speed: v, Unit: logic.UnitKMH, Time: start.Add(time.Duration(i) * 500 * time.Millisecond)})
	}
	return timer.Snapshot()
}

func getStatus(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.UpdateRun("run-1", kmhRun(t, 0, 30, 60))
	ts.tracker.UpdateButtons(true, logic.PressCounts{Arm: 2})
	ts.tracker.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	run := sj.Status.Run
	if run.ID != "run-1" {
		t.Errorf("Run.ID: got %q, want run-1", run.ID)
	}
	if run.Phase != "RUNNING" {
		t.Errorf("Run.Phase: got %q, want RUNNING", run.Phase)
	}
	if run.Samples != 3 {
		t.Errorf("Run.Samples: got %d, want 3", run.Samples)
	}
	if len(run.Targets) != 2 || !run.Targets[0].Reached || run.Targets[1].Reached {
		t.Errorf("Run.Targets: got %+v", run.Targets)
	}
	if run.Targets[0].Elapsed != "PT1S" {
		t.Errorf("Targets[0].Elapsed: got %q, want PT1S", run.Targets[0].Elapsed)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Buttons.Arm != 2 {
		t.Errorf("Buttons.Arm: got %d, want 2", sj.Status.Buttons.Arm)
	}
	if sj.Status.Config.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("Config.Broker: got %q", sj.Status.Config.Broker)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getStatus(t, ts.URL)
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.UpdateRun("run-1", kmhRun(t, 0, 30, 60))

	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q, want text/html", path, ct)
		}
		page := string(body)
		for _, want := range []string{"RUNNING", "1.00 s @ 60.00 km/h", `http-equiv="refresh"`, "run-1"} {
			if !strings.Contains(page, want) {
				t.Errorf("%s: missing %q", path, want)
			}
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestCommandEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/run/start", "/run/stop", "/run/reset"} {
		resp, err := http.Post(ts.URL+path, "", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Errorf("POST %s: got %d, want 200", path, resp.StatusCode)
		}
	}
	want := []runner.Command{runner.CmdStart, runner.CmdStop, runner.CmdReset}
	got, _, _ := ts.control.state()
	if len(got) != len(want) {
		t.Fatalf("commands: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCommandRequiresPost(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/run/start")
	if err != nil {
		t.Fatalf("GET /run/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
	if got, _, _ := ts.control.state(); len(got) != 0 {
		t.Errorf("unexpected commands: %v", got)
	}
}

func TestCommandFormRedirects(t *testing.T) {
	ts := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.PostForm(ts.URL+"/run/start", url.Values{"redirect": {"1"}})
	if err != nil {
		t.Fatalf("POST /run/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("status: got %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Errorf("Location: got %q, want /", loc)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid state", &logic.InvalidStateError{Op: "start", Phase: logic.PhaseRunning}, http.StatusConflict},
		{"stopped", runner.ErrStopped, http.StatusServiceUnavailable},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.control.setErr(tt.err)

			resp, err := http.Post(ts.URL+"/run/start", "", nil)
			if err != nil {
				t.Fatalf("POST /run/start: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			json.NewDecoder(resp.Body).Decode(&body)
			if body["error"] != tt.err.Error() {
				t.Errorf("error: got %q, want %q", body["error"], tt.err.Error())
			}
		})
	}
}

func TestConfigureEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/run/configure", "application/json",
		strings.NewReader(`{"unit":"mph","targets":[30,60]}`))
	if err != nil {
		t.Fatalf("POST /run/configure: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	_, targets, unit := ts.control.state()
	if unit != logic.UnitMPH {
		t.Errorf("unit: got %q, want mph", unit)
	}
	if len(targets) != 2 || targets[1] != (logic.Target{Threshold: 60, Unit: logic.UnitMPH}) {
		t.Errorf("targets: got %+v", targets)
	}
}

func TestConfigureRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown unit", `{"unit":"knots","targets":[10]}`},
		{"descending", `{"unit":"kmh","targets":[100,50]}`},
		{"empty", `{"unit":"kmh","targets":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			resp, err := http.Post(ts.URL+"/run/configure", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST /run/configure: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", resp.StatusCode)
			}
			if _, _, unit := ts.control.state(); unit != "" {
				t.Error("controller should not be called")
			}
		})
	}
}

func seedRun(t *testing.T, st *store.Store, id string, elapsed time.Duration) {
	t.Helper()
	ctx := context.Background()
	created := start.Add(time.Duration(len(id)) * time.Minute)
	if err := st.CreateRun(ctx, store.Run{ID: id, CreatedAt: created, Unit: logic.UnitKMH, Targets: []float64{50, 100}}); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkStarted(ctx, id, created); err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{0, 55} {
		if err := st.RecordSample(ctx, id, created.Add(time.Duration(i)*elapsed), v); err != nil {
			t.Fatal(err)
		}
	}
	e := logic.Event{Target: logic.Target{Threshold: 50, Unit: logic.UnitKMH}, Elapsed: elapsed, Time: created.Add(elapsed), Speed: 55}
	if err := st.RecordResult(ctx, id, e); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishRun(ctx, id, store.OutcomeStopped, created.Add(elapsed), 55); err != nil {
		t.Fatal(err)
	}
}

func TestRunsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	seedRun(t, ts.history, "a", 4*time.Second)
	seedRun(t, ts.history, "bb", 2*time.Second)

	resp, err := http.Get(ts.URL + "/runs.json")
	if err != nil {
		t.Fatalf("GET /runs.json: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	var runs RunsJSON
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(runs.Runs) != 2 || runs.Runs[0].ID != "bb" {
		t.Fatalf("runs: got %+v, want bb first", runs.Runs)
	}
	if runs.Runs[0].Outcome != "stopped" {
		t.Errorf("Outcome: got %q, want stopped", runs.Runs[0].Outcome)
	}
	if len(runs.Runs[0].Results) != 1 || runs.Runs[0].Results[0].Elapsed != "PT2S" {
		t.Errorf("Results: got %+v", runs.Runs[0].Results)
	}
	if len(runs.Stats) != 1 {
		t.Fatalf("stats: got %+v, want one threshold", runs.Stats)
	}
	st := runs.Stats[0]
	if st.Threshold != 50 || st.Count != 2 || st.BestSeconds != 2 || st.MeanSeconds != 3 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestRunsEndpointLimit(t *testing.T) {
	ts := newTestServer(t)
	seedRun(t, ts.history, "a", time.Second)
	seedRun(t, ts.history, "bb", time.Second)

	resp, err := http.Get(ts.URL + "/runs.json?limit=1")
	if err != nil {
		t.Fatalf("GET /runs.json: %v", err)
	}
	var runs RunsJSON
	json.NewDecoder(resp.Body).Decode(&runs)
	resp.Body.Close()
	if len(runs.Runs) != 1 {
		t.Errorf("runs: got %d, want 1", len(runs.Runs))
	}

	for _, q := range []string{"limit=0", "limit=x", "unit=knots"} {
		resp, err := http.Get(ts.URL + "/runs.json?" + q)
		if err != nil {
			t.Fatalf("GET /runs.json?%s: %v", q, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	seedRun(t, ts.history, "a", time.Second)

	resp, err := http.Get(ts.URL + "/runs/a")
	if err != nil {
		t.Fatalf("GET /runs/a: %v", err)
	}
	var run HistoryRunJSON
	json.NewDecoder(resp.Body).Decode(&run)
	resp.Body.Close()
	if run.ID != "a" || run.MaxSpeed != 55 {
		t.Errorf("run: got %+v", run)
	}

	resp, err = http.Get(ts.URL + "/runs/missing")
	if err != nil {
		t.Fatalf("GET /runs/missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestChartEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/chart")
	if err != nil {
		t.Fatalf("GET /chart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("empty history: got %d, want 404", resp.StatusCode)
	}

	seedRun(t, ts.history, "a", time.Second)
	resp, err = http.Get(ts.URL + "/chart")
	if err != nil {
		t.Fatalf("GET /chart: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "Run a") {
		t.Error("chart should be titled with the run ID")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "launch_timer_") {
		t.Errorf("metrics output missing namespace: %s", body)
	}
}

func TestUnavailableWithoutBackends(t *testing.T) {
	srv := New(Options{Tracker: status.NewTracker(start, status.Config{}), Logger: quietLog()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/runs.json", "/chart", "/runs/x"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: got %d, want 503", path, resp.StatusCode)
		}
	}
	resp, err := http.Post(ts.URL+"/run/start", "", nil)
	if err != nil {
		t.Fatalf("POST /run/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/run/start: got %d, want 503", resp.StatusCode)
	}
}
