package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{if .Running}}<meta http-equiv="refresh" content="1">{{end}}
<title>Launch Timer</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.IDLE { color: #888; }
.RUNNING { color: orange; font-weight: bold; }
.COMPLETED { color: green; font-weight: bold; }
.pending { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
form { display: inline; }
</style>
</head>
<body>
<h1>Launch Timer</h1>

<h2>Run</h2>
<table>
<tr><th>Phase</th><td id="phase" class="{{.Run.Phase}}">{{.Run.Phase}}</td></tr>
{{if .RunID}}<tr><th>Run</th><td>{{.RunID}}</td></tr>{{end}}
<tr><th>Elapsed</th><td>{{.Elapsed}} s</td></tr>
<tr><th>Speed</th><td>{{.Speed}} {{.Unit}}</td></tr>
<tr><th>Max speed</th><td>{{.MaxSpeed}} {{.Unit}}</td></tr>
<tr><th>Samples</th><td>{{.Run.Samples}} ({{.Rejected}} rejected)</td></tr>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
</table>
<p>
<form method="post" action="/run/start"><input type="hidden" name="redirect" value="1"><button>Start</button></form>
<form method="post" action="/run/stop"><input type="hidden" name="redirect" value="1"><button>Stop</button></form>
<form method="post" action="/run/reset"><input type="hidden" name="redirect" value="1"><button>Reset</button></form>
</p>

<h2>Targets</h2>
<table>
<tr><th>Target</th><td><b>Time</b></td></tr>
{{range .Targets}}<tr><th>{{.Threshold}} {{$.Unit}}</th><td{{if not .Reached}} class="pending"{{end}}>{{if .Reached}}{{.Elapsed}} s @ {{.Speed}} {{$.Unit}}{{else}}-{{end}}</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

{{if .Config.GPIO}}<h2>Buttons</h2>
<table>
<tr><th>ARM</th><td>{{.Buttons.Arm}}</td></tr>
<tr><th>RESET</th><td>{{.Buttons.Reset}}</td></tr>
</table>
{{end}}
<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Source</th><td>{{.Config.Source}}</td></tr>
<tr><th>Interval</th><td>{{.Config.IntervalMs}}ms</td></tr>
{{if .Config.GPIO}}<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>{{end}}
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/runs.json">History</a> | <a href="/chart">Chart</a> | <a href="/metrics">Metrics</a></p>
</body>
</html>
`

type targetRow struct {
	Threshold string
	Reached   bool
	Elapsed   string
	Speed     string
}

type pageData struct {
	status.Snapshot
	Uptime   time.Duration
	Running  bool
	Ready    bool
	Unit     string
	Elapsed  string
	Speed    string
	MaxSpeed string
	Targets  []targetRow
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	p := snap.Config.Precision
	run := snap.Run
	data := pageData{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Running:  run.Phase == logic.PhaseRunning,
		Ready:    !snap.Config.GPIO || snap.ButtonsReady,
		Unit:     run.Unit.Label(),
		Elapsed:  logic.Format(run.Elapsed().Seconds(), p),
		Speed:    logic.Format(run.LastSpeed, p),
		MaxSpeed: logic.Format(run.MaxSpeed, p),
	}
	for _, res := range run.Results {
		row := targetRow{Threshold: logic.Format(res.Target.Threshold, p), Reached: res.Reached}
		if res.Reached {
			row.Elapsed = logic.Format(res.Elapsed.Seconds(), p)
			row.Speed = logic.Format(res.Speed, p)
		}
		data.Targets = append(data.Targets, row)
	}
	return indexTmpl.Execute(w, data)
}
