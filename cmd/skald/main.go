// Command skald is the device runtime: it supervises the app stack,
// the voice interaction session, command resolution, and the device's
// network and login lifecycle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/corvid-labs/skald/internal/app"
	"github.com/corvid-labs/skald/internal/auth"
	"github.com/corvid-labs/skald/internal/buildinfo"
	"github.com/corvid-labs/skald/internal/bus"
	"github.com/corvid-labs/skald/internal/config"
	"github.com/corvid-labs/skald/internal/connwatch"
	"github.com/corvid-labs/skald/internal/custodian"
	"github.com/corvid-labs/skald/internal/effects"
	"github.com/corvid-labs/skald/internal/events"
	"github.com/corvid-labs/skald/internal/lifetime"
	"github.com/corvid-labs/skald/internal/property"
	"github.com/corvid-labs/skald/internal/runtime"
	"github.com/corvid-labs/skald/internal/voice"
	"github.com/corvid-labs/skald/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "skald: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `usage: skald [flags] <command>

Commands:
  serve     run the device runtime (default)
  init      write a default config file
  version   print version information

Flags:
  -config <path>   config file (default: search standard locations)
  -log <level>     log level: trace, debug, info, warn, error
  -o <format>      output format: text, json (version)
`)
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var (
		configPath string
		logLevel   string
		output     = "text"
		command    = "serve"
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			i++
			if i >= len(args) {
				return fmt.Errorf("-config requires a path")
			}
			configPath = args[i]
		case "-log", "--log":
			i++
			if i >= len(args) {
				return fmt.Errorf("-log requires a level")
			}
			logLevel = args[i]
		case "-o", "--output":
			i++
			if i >= len(args) {
				return fmt.Errorf("-o requires a format")
			}
			output = args[i]
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format: %s", output)
			}
		case "-h", "-help", "--help":
			usage(stdout)
			return nil
		case "serve", "init", "version":
			command = args[i]
		default:
			usage(stderr)
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	switch command {
	case "version":
		if output == "json" {
			return json.NewEncoder(stdout).Encode(buildinfo.Info())
		}
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "init":
		return runInit(stdout, configPath)
	default:
		return runServe(ctx, stderr, configPath, logLevel)
	}
}

func runServe(ctx context.Context, stderr io.Writer, configPath, logLevel string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("%w (run \"skald init\" to create one)", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String(), "config", path)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	instanceID, err := bus.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	logger.Info("instance", "id", instanceID)

	props, err := property.NewStore(filepath.Join(cfg.DataDir, "properties.db"))
	if err != nil {
		return fmt.Errorf("open property store: %w", err)
	}
	defer props.Close()

	registry := app.NewRegistry(logger.With("component", "registry"))
	if err := os.MkdirAll(cfg.AppsDir, 0o755); err != nil {
		return fmt.Errorf("create apps dir: %w", err)
	}
	if err := registry.LoadDir(cfg.AppsDir); err != nil {
		return fmt.Errorf("load apps: %w", err)
	}
	logger.Info("apps loaded", "count", len(registry.AppIDs()))

	busClient := bus.New(cfg.Bus, logger.With("component", "bus"))
	eventBus := events.New()

	scheduler := app.NewScheduler(registry, app.NewBusLauncher(busClient), logger.With("component", "scheduler"))
	stack := lifetime.New(scheduler, eventBus, logger.With("component", "lifetime"))
	renderer := effects.New(busClient, logger.With("component", "effects"))

	cloud := auth.NewHTTPClient(cfg.Cloud, logger.With("component", "cloud"))
	account := auth.New(cloud, props, nil, eventBus, logger.With("component", "auth"))

	session := voice.NewSession(voice.Config{
		Post:                busClient,
		Lifetime:            stack,
		Effects:             renderer,
		Login:               account,
		Events:              eventBus,
		Logger:              logger.With("component", "voice"),
		SolitaryTimeout:     time.Duration(cfg.Voice.SolitaryVoiceComingTimeoutMs) * time.Millisecond,
		NoVoiceInputTimeout: time.Duration(cfg.Voice.NoVoiceInputTimeoutMs) * time.Millisecond,
	})

	warden := custodian.New(ctx, busClient, props, account, session, renderer, stack,
		eventBus, logger.With("component", "custodian"))
	// Late binding: auth consults the custodian for connectivity, the
	// voice session asks it whether to intercept a wake-up.
	account.SetNetwork(warden)
	session.SetInterceptor(warden)

	rt := runtime.New(ctx, runtime.Deps{
		Registry:  registry,
		Scheduler: scheduler,
		Lifetime:  stack,
		Voice:     session,
		Effects:   renderer,
		Auth:      account,
		Post:      busClient,
		Events:    eventBus,
		Logger:    logger.With("component", "runtime"),
	})

	session.BindBus(busClient)
	warden.BindBus(busClient)
	account.BindBus(busClient)

	// The connectivity watchers play the network daemon's part:
	// cloud-probe transitions become network.status announcements, and
	// trigger_status requests re-announce the last known state.
	watch := connwatch.NewManager(logger.With("component", "connwatch"))
	defer watch.Stop()
	announce := func(connected bool) {
		state := "DISCONNECTED"
		if connected {
			state = "CONNECTED"
		}
		payload, _ := json.Marshal(map[string]string{"state": state})
		busClient.Post(bus.TopicNetworkStatus, string(payload))
	}
	if addr := brokerProbeAddr(cfg.Bus.Broker); addr != "" {
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:  "broker",
			Probe: connwatch.TCPProbe(addr),
		})
	}
	if cfg.Cloud.Endpoint != "" {
		cloudWatch := watch.Watch(ctx, connwatch.WatcherConfig{
			Name:    "cloud",
			Probe:   connwatch.HTTPProbe(nil, cfg.Cloud.Endpoint+"/healthz"),
			OnReady: func() { announce(true) },
			OnDown:  func(error) { announce(false) },
		})
		busClient.Subscribe(bus.TopicNetworkTriggerStatus, func(bus.Args) {
			announce(cloudWatch.IsReady())
		})
	}

	if err := busClient.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := busClient.Stop(stopCtx); err != nil {
			logger.Warn("bus shutdown", "error", err)
		}
	}()

	rt.Init()
	warden.TriggerStatus()

	if cfg.Ops.Port > 0 {
		ops := web.NewServer(web.Config{
			Address: cfg.Ops.Address,
			Port:    cfg.Ops.Port,
			Status:  opsStatus{rt: rt, watch: watch},
			Events:  eventBus,
			Logger:  logger.With("component", "ops"),
		})
		go func() {
			if err := ops.Start(ctx); err != nil {
				logger.Error("ops server", "error", err)
			}
		}()
	}

	logger.Info("ready")
	<-ctx.Done()
	logger.Info("shutting down")
	stack.DestroyAll(true)
	return nil
}

// opsStatus merges the runtime snapshot with service health for the
// /status document.
type opsStatus struct {
	rt    *runtime.Runtime
	watch *connwatch.Manager
}

func (o opsStatus) Snapshot() map[string]any {
	doc := o.rt.Snapshot()
	doc["services"] = o.watch.Status()
	return doc
}

// brokerProbeAddr extracts host:port from a broker url for the TCP
// health probe.
func brokerProbeAddr(broker string) string {
	for _, prefix := range []string{"mqtt://", "tcp://", "mqtts://", "ssl://"} {
		if len(broker) > len(prefix) && broker[:len(prefix)] == prefix {
			return broker[len(prefix):]
		}
	}
	return ""
}
