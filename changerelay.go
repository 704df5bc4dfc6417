package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maxpert/changerelay/bus"
	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/checkpoint"
	"github.com/maxpert/changerelay/enrich"
	"github.com/maxpert/changerelay/mirror"
	_ "github.com/maxpert/changerelay/mirror/sink"
	"github.com/maxpert/changerelay/relay"
	"github.com/maxpert/changerelay/source"
	"github.com/maxpert/changerelay/source/force"
	"github.com/maxpert/changerelay/status"
	"github.com/maxpert/changerelay/store"
	"github.com/maxpert/changerelay/subscriber"
	"github.com/maxpert/changerelay/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// metricsSampleInterval is how often gauges without an update point are sampled
const metricsSampleInterval = 15 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Msg("changerelay - change event relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("changerelay stopped")
	}
	log.Info().Msg("changerelay stopped")
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Str("role", string(cfg.Config.Role)).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

// run starts every component for the configured role and blocks until a
// termination signal or a fatal worker error. Components stop in reverse order.
func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Str("backend", string(cfg.Config.Store.Backend)).Msg("Opening store")
	st, err := store.Open(ctx, cfg.Config)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	eventBus := bus.New(st, cfg.Config.Bus.RecentCapacity)
	reporter := status.NewReporter(st, eventBus)

	collector := telemetry.NewMetricsCollector(eventBus, metricsSampleInterval)
	collector.Start()
	defer collector.Stop()

	// Only a process that owns the upstream connection reports outages on exit
	var shutdownReporter status.StatusReporter
	var workerDone <-chan error

	if cfg.Config.Role.RunsWorker() {
		w, err := startWorker(ctx, st, eventBus, reporter)
		if err != nil {
			return err
		}
		defer w.stop(cancel)
		workerDone = w.done
		shutdownReporter = reporter
	}

	if cfg.Config.Role.RunsWeb() {
		stopWeb, err := startWeb(eventBus, reporter)
		if err != nil {
			return err
		}
		defer stopWeb()
	}

	grace := time.Duration(cfg.Config.Status.ShutdownGraceSeconds) * time.Second
	notifier := status.NewShutdownNotifier(shutdownReporter, grace)
	notifier.Start()
	defer notifier.Stop()

	signals := make(chan os.Signal, 1)
	go func() {
		if sig, err := notifier.Wait(ctx); err == nil {
			signals <- sig
		}
	}()

	log.Info().
		Str("role", string(cfg.Config.Role)).
		Int("topics", len(cfg.Config.Source.Topics)).
		Int("port", cfg.Config.Relay.Port).
		Msg("changerelay started")

	select {
	case sig := <-signals:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	case err := <-workerDone:
		return err
	}
}

type worker struct {
	done     chan error
	finished chan struct{}
	mirrors  *mirror.Registry
}

// startWorker authenticates, then runs every topic subscriber under one
// supervisor. Authentication failures are returned, never retried.
func startWorker(ctx context.Context, st store.Store, eventBus *bus.Bus, reporter *status.Reporter) (*worker, error) {
	creds, err := source.ResolveCredentials(cfg.Config.Source)
	if err != nil {
		return nil, err
	}

	log.Info().Str("method", creds.Method()).Msg("Connecting to source")
	session, err := force.Connect(ctx, creds, force.OptionsFromConfig(cfg.Config.Source))
	if err != nil {
		return nil, err
	}

	streamer, err := session.NewStreamer()
	if err != nil {
		return nil, fmt.Errorf("create streamer: %w", err)
	}

	names := enrich.NewCache(st, session,
		time.Duration(cfg.Config.Cache.TTLSeconds)*time.Second,
		cfg.Config.Cache.LocalSize)

	mirrors, err := mirror.NewRegistry(cfg.Config.Mirrors)
	if err != nil {
		return nil, err
	}
	mirrors.Start()

	deps := subscriber.Deps{
		Enricher:    enrich.NewEnricher(names),
		Bus:         eventBus,
		Checkpoints: checkpoint.New(st),
		Mirror:      mirrors,
	}

	id, ok, err := cfg.Config.Source.ReplayOverride()
	if err != nil {
		mirrors.Stop()
		return nil, err
	}
	if ok {
		from := source.ReplayAt(id)
		deps.Override = &from
	}

	supervisor := subscriber.NewSupervisor(streamer, reporter, cfg.Config.Source.Topics, deps)

	w := &worker{done: make(chan error, 1), finished: make(chan struct{}), mirrors: mirrors}
	go func() {
		defer close(w.finished)
		w.done <- supervisor.Run(ctx)
	}()

	log.Info().Strs("topics", cfg.Config.Source.Topics).Msg("Subscribers started")
	return w, nil
}

// stop cancels the supervisor and waits for in-flight events to finish
func (w *worker) stop(cancel context.CancelFunc) {
	cancel()
	select {
	case <-w.finished:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Subscribers did not stop in time")
	}
	w.mirrors.Stop()
}

// startWeb serves the relay endpoint and publishes heartbeats
func startWeb(eventBus *bus.Bus, reporter *status.Reporter) (func(), error) {
	heartbeat := status.NewHeartbeat(eventBus, time.Duration(cfg.Config.Status.HeartbeatSeconds)*time.Second)
	heartbeat.Start()

	gateway := relay.NewGateway(eventBus, reporter, time.Duration(cfg.Config.Relay.KeepAliveSeconds)*time.Second)
	router := relay.NewRouter(gateway, cfg.Config.Relay.ForceTLS, telemetry.GetMetricsHandler())

	server := relay.NewServer(fmt.Sprintf("%s:%d", cfg.Config.Relay.BindAddress, cfg.Config.Relay.Port), router)
	if err := server.Start(); err != nil {
		heartbeat.Stop()
		return nil, fmt.Errorf("start relay server: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Relay server did not stop cleanly")
		}
		heartbeat.Stop()
	}, nil
}
