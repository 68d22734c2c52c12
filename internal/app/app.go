package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	servernet "hostswap/internal/net"
	"hostswap/internal/net/ws"
	"hostswap/internal/session"
	"hostswap/internal/snapshot"
	"hostswap/internal/telemetry"
	"hostswap/internal/tick"
	"hostswap/internal/world"
	"hostswap/logging"
	loggingSinks "hostswap/logging/sinks"
)

// AvatarAsset is the asset id of the built-in primary object prototype.
var AvatarAsset = uuid.MustParse("9b1f6c3e-2d4a-4e7b-8f05-6a3c1d2e4b70")

const shutdownTimeout = 5 * time.Second

// NewWorld builds the simulation the server hosts. Participants without a
// registered asset fall back to an avatar with a health component.
func NewWorld() *world.World {
	w := world.New()
	w.SetDefaultPrimaryPrototype(&world.Prototype{
		Asset:      AvatarAsset,
		Name:       "avatar",
		Components: []world.ComponentFactory{world.NewHealth(100)},
	})
	return w
}

// Run serves a hosted session until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fallbackLogger := log.Default()
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewPrometheus(registry)

	logConfig := cfg.loggingConfig()
	logConfig.OnDrop = func(logging.Event) { metrics.Add(telemetry.MetricLogDroppedTotal, 1) }
	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.ConsolePrefix)},
	}
	if logConfig.JSONPath != "" {
		file, err := os.OpenFile(logConfig.JSONPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		defer file.Close()
		namedSinks = append(namedSinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSONFlushInterval)})
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, fallbackLogger, namedSinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "hostswap", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := shutdownTracing(closeCtx); serr != nil {
			logger.Printf("failed to flush traces: %v", serr)
		}
	}()

	hub := ws.NewHub(ws.HubConfig{Logger: logger, Metrics: metrics})
	host := session.NewHost(NewWorld(), hub, session.Config{
		Session:   cfg.Session,
		Policy:    cfg.pendingPolicy(),
		Publisher: router,
		Metrics:   metrics,
		Logger:    logger,

		ManualReconcile: !cfg.Reconcile,
	})

	if cfg.SnapshotPath != "" {
		if err := resumeFromFile(ctx, host, cfg.SnapshotPath, logger); err != nil {
			return err
		}
	}

	loop := tick.NewLoop(host, cfg.tickConfig(), tick.Deps{Logger: logger, Metrics: metrics}, tick.Hooks{})
	handler := servernet.NewHTTPHandler(host, servernet.HTTPHandlerConfig{
		Logger:      logger,
		Gatherer:    registry,
		WebSocket:   ws.NewHandler(hub, loop, ws.HandlerConfig{Logger: logger}),
		TickRate:    cfg.TickRate,
		EnablePprof: cfg.EnablePprof,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return loop.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(closeCtx)
	})
	err = group.Wait()

	if cfg.HandoffPath != "" {
		if herr := handoffToFile(context.Background(), host, cfg.HandoffPath, logger); herr != nil {
			err = errors.Join(err, herr)
		}
	}
	return err
}

func resumeFromFile(ctx context.Context, host *session.Host, path string, logger telemetry.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", path, err)
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	report, err := host.Resume(ctx, snap)
	if err != nil {
		return fmt.Errorf("resume from %s: %w", path, err)
	}
	logger.Printf("resumed session %q from %s: %d applied, %d queued, %d failed", snap.Session, path, report.Applied, report.Queued, report.Failed)
	return nil
}

func handoffToFile(ctx context.Context, host *session.Host, path string, logger telemetry.Logger) error {
	snap, err := host.Handoff(ctx)
	if errors.Is(err, session.ErrRelinquished) {
		logger.Printf("skipping handoff file, host already handed off")
		return nil
	}
	if err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		return fmt.Errorf("encode handoff snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write handoff snapshot %s: %w", path, err)
	}
	logger.Printf("wrote %d objects to %s", len(snap.Objects), path)
	return nil
}
