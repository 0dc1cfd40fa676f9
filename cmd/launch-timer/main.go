// Command launch-timer measures the time a vehicle takes to reach a set of
// speed targets from standstill, and publishes the results to MQTT and HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/sweeney/launch-timer/internal/config"
	"github.com/sweeney/launch-timer/internal/gpio"
	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/metrics"
	"github.com/sweeney/launch-timer/internal/mqtt"
	"github.com/sweeney/launch-timer/internal/runner"
	"github.com/sweeney/launch-timer/internal/source"
	"github.com/sweeney/launch-timer/internal/status"
	"github.com/sweeney/launch-timer/internal/store"
	"github.com/sweeney/launch-timer/internal/web"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")
	printButtons := flag.Bool("print-buttons", false, "Print the current button state and exit")
	flag.Parse()

	if err := run(*cfgPath, *printConfig, *printButtons); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, printConfig, printButtons bool) error {
	cfg, err := config.Load(context.Background(), cfgPath)
	if err != nil {
		return err
	}
	log, err := newLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if printConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	unit, err := cfg.DisplayUnit()
	if err != nil {
		return err
	}
	targets, err := cfg.TargetList()
	if err != nil {
		return err
	}

	// Buttons
	var buttons gpio.Reader
	if cfg.GPIO || printButtons {
		reader, err := gpio.NewRealReader(cfg.PinArm, cfg.PinReset)
		switch {
		case errors.Is(err, gpio.ErrUnsupported) && !printButtons:
			log.Warn("buttons disabled", "error", err)
			cfg.GPIO = false
		case err != nil:
			return fmt.Errorf("init gpio: %w", err)
		default:
			defer reader.Close()
			buttons = reader
		}
	}
	if printButtons {
		arm, reset, err := buttons.Read()
		if err != nil {
			return fmt.Errorf("read gpio: %w", err)
		}
		fmt.Printf("ARM: %s, RESET: %s\n", pressedString(arm), pressedString(reset))
		return nil
	}

	// Status tracker (before STARTUP so a snapshot is available)
	tracker := status.NewTracker(time.Now(), statusConfig(cfg, unit))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	m := metrics.NewManager()

	// Run history
	var (
		history  web.History
		recorder runner.Recorder
	)
	if cfg.DBPath != "" {
		st, err := store.Open(context.Background(), cfg.DBPath, log)
		if err != nil {
			return err
		}
		defer st.Close()
		history, recorder = st, st
	}

	// MQTT
	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
		sub        source.Subscriber
	)
	if cfg.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:   cfg.Broker,
			ClientID: cfg.ClientID,
			Logger:   log,
			OnConnectionChange: func(up bool) {
				tracker.SetMQTTConnected(up)
				m.SetMQTTConnected(up)
			},
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer pub.Close()
		publisher, mqttStatus, sub = pub, pub, pub
	}

	src, err := newSource(cfg, sub, log)
	if err != nil {
		return err
	}

	r, err := runner.New(runner.Options{
		Targets:    targets,
		Unit:       unit,
		Publisher:  publisher,
		MQTTStatus: mqttStatus,
		Store:      recorder,
		Metrics:    m,
		Tracker:    tracker,
		Buttons:    buttons,
		Debounce:   cfg.Debounce,
		Network:    readNetworkInfo,
		Rearm:      rearmFunc(src),
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if publisher != nil {
		snap := tracker.Snapshot()
		startup := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startup); err != nil {
			log.Warn("failed to publish startup event", "error", err)
		} else {
			log.Info("published startup event")
		}
		if err := sub.Subscribe(mqtt.TopicControl, controlHandler(ctx, r, log)); err != nil {
			log.Warn("control topic unavailable", "topic", mqtt.TopicControl, "error", err)
		}
	}

	// HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(web.Options{
			Addr:       cfg.HTTPAddr,
			Tracker:    tracker,
			Controller: r,
			History:    history,
			Metrics:    m.Handler(),
			Logger:     log,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", "addr", cfg.HTTPAddr)
	}

	// Samples
	srcErr := make(chan error, 1)
	go func() {
		if err := src.Subscribe(ctx, func(s logic.Sample) { r.Feed(s) }); err != nil {
			srcErr <- err
			cancel()
		}
	}()

	var ticks runner.Ticks
	if buttons != nil {
		poll := time.NewTicker(cfg.Poll)
		defer poll.Stop()
		ticks.Poll = poll.C
	}
	if cfg.Heartbeat > 0 && publisher != nil {
		hb := time.NewTicker(cfg.Heartbeat)
		defer hb.Stop()
		ticks.Heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("started",
		"source", cfg.Source,
		"unit", unit,
		"targets", cfg.Targets,
		"interval", cfg.Interval,
		"gpio", buttons != nil,
		"broker", cfg.Broker,
		"heartbeat", cfg.Heartbeat,
	)
	if err := r.Run(ctx, ticks, sigCh); err != nil {
		return err
	}
	select {
	case err := <-srcErr:
		return fmt.Errorf("sample source: %w", err)
	default:
		return nil
	}
}

// newLogger builds the colourised stderr logger for the given level name.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log_level %q", config.ErrInvalidConfig, level)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      l,
		TimeFormat: time.StampMilli,
	})), nil
}

func statusConfig(cfg *config.Config, unit logic.Unit) status.Config {
	sc := status.Config{
		Unit:       unit,
		Targets:    cfg.Targets,
		IntervalMs: cfg.Interval.Milliseconds(),
		Precision:  cfg.Precision,
		Source:     cfg.Source,
		GPIO:       cfg.GPIO,
		Broker:     cfg.Broker,
		HTTPAddr:   cfg.HTTPAddr,
	}
	if cfg.GPIO {
		sc.PollMs = cfg.Poll.Milliseconds()
		sc.DebounceMs = cfg.Debounce.Milliseconds()
	}
	if cfg.Broker != "" {
		sc.HeartbeatMs = cfg.Heartbeat.Milliseconds()
	}
	return sc
}

// newSource selects the sample source. The mqtt source rides on the
// publisher's connection, so sub must be set for it.
func newSource(cfg *config.Config, sub source.Subscriber, log *slog.Logger) (source.Source, error) {
	switch cfg.Source {
	case config.SourceSim:
		return source.NewSimulator(cfg.Interval, cfg.SimAccel, cfg.SimMaxSpeed), nil
	case config.SourceSerial:
		return source.NewSerial(cfg.SerialPort, cfg.SerialBaud, log), nil
	case config.SourceMQTT:
		if sub == nil {
			return nil, fmt.Errorf("%w: source mqtt requires a broker", config.ErrInvalidConfig)
		}
		return source.NewMQTT(sub, log), nil
	}
	return nil, fmt.Errorf("%w: unknown source %q", config.ErrInvalidConfig, cfg.Source)
}

// rearmFunc restarts the simulated ramp whenever a run is armed. Real
// sources keep streaming.
func rearmFunc(src source.Source) func() time.Time {
	if sim, ok := src.(*source.Simulator); ok {
		return sim.Restart
	}
	return nil
}

// controlTimeout bounds how long a control message waits for the run loop.
const controlTimeout = 5 * time.Second

type commander interface {
	Do(ctx context.Context, cmd runner.Command) error
}

// controlHandler executes START, STOP and RESET messages from the control topic.
func controlHandler(ctx context.Context, c commander, log *slog.Logger) func([]byte) {
	return func(payload []byte) {
		cmd, err := runner.ParseCommand(string(payload))
		if err != nil {
			log.Warn("ignoring control message", "payload", strings.TrimSpace(string(payload)), "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, controlTimeout)
		defer cancel()
		if err := c.Do(ctx, cmd); err != nil {
			log.Warn("control command rejected", "command", cmd, "error", err)
			return
		}
		log.Info("control command", "command", cmd)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

func pressedString(pressed bool) string {
	if pressed {
		return "PRESSED"
	}
	return "UP"
}
