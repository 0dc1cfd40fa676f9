package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/sosodev/duration"

	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/store"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// RunsJSON is the response of /runs.json.
type RunsJSON struct {
	Runs  []HistoryRunJSON `json:"runs"`
	Stats []TargetStatJSON `json:"stats"`
}

// HistoryRunJSON is a stored run.
type HistoryRunJSON struct {
	ID         string              `json:"id"`
	CreatedAt  string              `json:"created_at"`
	StartedAt  string              `json:"started_at,omitempty"`
	FinishedAt string              `json:"finished_at,omitempty"`
	Unit       string              `json:"unit"`
	Targets    []float64           `json:"targets"`
	Outcome    string              `json:"outcome"`
	MaxSpeed   float64             `json:"max_speed"`
	Results    []HistoryResultJSON `json:"results"`
}

// HistoryResultJSON is a reached target of a stored run.
type HistoryResultJSON struct {
	Threshold      float64 `json:"threshold"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Elapsed        string  `json:"elapsed"`
	ReachedAt      string  `json:"reached_at"`
	Speed          float64 `json:"speed"`
}

// TargetStatJSON summarises all results for one threshold.
type TargetStatJSON struct {
	Threshold     float64 `json:"threshold"`
	Unit          string  `json:"unit"`
	Count         int     `json:"count"`
	BestSeconds   float64 `json:"best_seconds"`
	MeanSeconds   float64 `json:"mean_seconds"`
	StdDevSeconds float64 `json:"stddev_seconds"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func buildHistoryRun(run store.Run) HistoryRunJSON {
	h := HistoryRunJSON{
		ID:         run.ID,
		CreatedAt:  formatTime(run.CreatedAt),
		StartedAt:  formatTime(run.StartedAt),
		FinishedAt: formatTime(run.FinishedAt),
		Unit:       string(run.Unit),
		Targets:    run.Targets,
		Outcome:    string(run.Outcome),
		MaxSpeed:   run.MaxSpeed,
		Results:    make([]HistoryResultJSON, 0, len(run.Results)),
	}
	for _, res := range run.Results {
		h.Results = append(h.Results, HistoryResultJSON{
			Threshold:      res.Threshold,
			ElapsedSeconds: res.Elapsed.Seconds(),
			Elapsed:        duration.Format(res.Elapsed),
			ReachedAt:      formatTime(res.ReachedAt),
			Speed:          res.Speed,
		})
	}
	return h
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunLimit {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("limit must be 1..%d", maxRunLimit))
			return
		}
		limit = n
	}
	unit := s.tracker.Snapshot().Config.Unit
	if v := r.URL.Query().Get("unit"); v != "" {
		u, err := logic.ParseUnit(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		unit = u
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("list runs", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	stats, err := s.history.TargetStats(r.Context(), unit)
	if err != nil {
		s.log.Error("target stats", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "target stats failed")
		return
	}

	out := RunsJSON{
		Runs:  make([]HistoryRunJSON, 0, len(runs)),
		Stats: make([]TargetStatJSON, 0, len(stats)),
	}
	for _, run := range runs {
		out.Runs = append(out.Runs, buildHistoryRun(run))
	}
	for _, st := range stats {
		out.Stats = append(out.Stats, TargetStatJSON{
			Threshold:     st.Threshold,
			Unit:          string(st.Unit),
			Count:         st.Count,
			BestSeconds:   st.Best.Seconds(),
			MeanSeconds:   st.Mean.Seconds(),
			StdDevSeconds: st.StdDev.Seconds(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	run, err := s.history.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("get run", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(buildHistoryRun(run))
}

// handleChart renders the speed trace of a run (?run=<id>, default latest)
// with a mark line per target.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	ctx := r.Context()
	id := r.URL.Query().Get("run")
	if id == "" {
		latest, err := s.history.LatestRunID(ctx)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "no runs recorded")
			return
		}
		if err != nil {
			s.log.Error("latest run", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "latest run failed")
			return
		}
		id = latest
	}
	run, err := s.history.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("get run", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	points, err := s.history.Samples(ctx, id)
	if err != nil {
		s.log.Error("run samples", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "samples failed")
		return
	}

	var buf bytes.Buffer
	if err := renderChart(&buf, run, points, s.tracker.Snapshot().Config.Precision); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderChart(buf *bytes.Buffer, run store.Run, points []store.Point, precision int) error {
	x := make([]string, 0, len(points))
	y := make([]opts.LineData, 0, len(points))
	var start time.Time
	if len(points) > 0 {
		start = points[0].Time
	}
	for _, p := range points {
		x = append(x, logic.Format(p.Time.Sub(start).Seconds(), precision))
		y = append(y, opts.LineData{Value: p.Speed})
	}

	marks := make([]opts.MarkLineNameYAxisItem, 0, len(run.Targets))
	for _, th := range run.Targets {
		marks = append(marks, opts.MarkLineNameYAxisItem{Name: logic.Format(th, precision), YAxis: th})
	}

	label := run.Unit.Label()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Launch Timer", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Run " + run.ID,
			Subtitle: fmt.Sprintf("outcome=%s samples=%d max=%s %s", run.Outcome, len(points), logic.Format(run.MaxSpeed, precision), label),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "elapsed (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: label, NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("speed", y,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
			charts.WithMarkLineNameYAxisItemOpts(marks...),
		)
	return line.Render(buf)
}
