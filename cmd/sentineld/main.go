// Command sentineld is the Sentinel process-supervisor daemon: it loads
// ambient daemon configuration, a process manifest, wires the Supervisor
// Facade to an event bus and the HTTP/WS transport, and runs until an
// interrupt or terminate signal requests an orderly shutdown. Grounded on
// the teacher's cmd/kandev/main.go wiring order (config, logger, event
// bus, domain services, HTTP server, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	ambientconfig "github.com/kdlbs/sentinel/internal/common/config"
	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/events/bus"
	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/events"
	"github.com/kdlbs/sentinel/internal/sentinel/supervisor"
	"github.com/kdlbs/sentinel/internal/tracing"
	transporthttp "github.com/kdlbs/sentinel/internal/transport/http"
)

func main() {
	manifestPath := flag.String("config", "sentinel.yaml", "path to the process manifest (YAML or JSON)")
	flag.Parse()

	ambient, err := ambientconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load ambient configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      ambient.Logging.Level,
		Format:     ambient.Logging.Format,
		OutputPath: ambient.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting sentineld", zap.String("manifest", *manifestPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.EventBus
	switch ambient.Events.Backend {
	case "nats":
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           ambient.Events.NATSURL,
			ClientID:      ambient.Events.NATSClientID,
			MaxReconnects: ambient.Events.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
		log.Info("connected to NATS event bus", zap.String("url", ambient.Events.NATSURL))
	default:
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}

	if ambient.Tracing.OTLPEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", ambient.Tracing.OTLPEndpoint)
	}
	_ = tracing.Tracer("sentineld")
	defer tracing.Shutdown(context.Background())

	manifest, err := config.LoadFile(*manifestPath)
	if err != nil {
		log.Fatal("failed to load process manifest", zap.Error(err))
	}
	log.Info("process manifest loaded", zap.Int("processes", len(manifest.Processes)))

	publisher := events.NewBusPublisher(eventBus)

	sup := supervisor.New(supervisor.Options{
		SpawnTimeout:           time.Duration(ambient.Supervisor.SpawnTimeoutMS) * time.Millisecond,
		DefaultGracefulTimeout: time.Duration(ambient.Supervisor.DefaultGracefulTimeoutMS) * time.Millisecond,
		DependencyDeadline:     time.Duration(ambient.Supervisor.DependencyDeadlineMS) * time.Millisecond,
		MetricsPeriod:          time.Duration(ambient.Metrics.PeriodMS) * time.Millisecond,
		MetricsHistory:         ambient.Metrics.HistorySize,
	}, log, publisher)

	sup.Load(manifest)
	sup.Bootstrap(ctx)

	if err := sup.Start(ctx, "*"); err != nil {
		log.Warn("one or more processes failed to start cleanly", zap.Error(err))
	}

	httpServer := transporthttp.NewServer(sup, eventBus, log, ambient.Server.CORSOrigins)

	addr := fmt.Sprintf("%s:%d", ambient.Server.Host, ambient.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  time.Duration(ambient.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(ambient.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("sentineld listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sentineld")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	sup.Close(shutdownCtx)
	log.Info("sentineld stopped")
}
