package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-sortlock/v1/config"
	"github.com/mirkobrombin/go-sortlock/v1/metrics"
	"github.com/mirkobrombin/go-sortlock/v1/presets"
	"github.com/mirkobrombin/go-sortlock/v1/scheduler"
	"github.com/mirkobrombin/go-sortlock/v1/watch"
)

var Version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Parse("sortlock-worker", os.Args[1:])
	if err != nil {
		logger.Error("sortlock-worker: invalid configuration", "error", err)
		os.Exit(2)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("sortlock-worker: stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	metrics.RegisterSchedulerMetrics(reg)

	node, err := presets.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	for _, name := range cfg.Agents {
		if err := node.Scheduler.Schedule(ctx, scheduler.Named(name), sampleAgent(logger)); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	logger.Info("sortlock-worker: started", "version", Version, "owner", node.Lock.Owner(), "agents", len(cfg.Agents))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		node.Scheduler.Run(ctx)
		return nil
	})
	if node.Validator != nil {
		g.Go(func() error {
			node.Validator.Run(ctx)
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if node.Bus != nil {
			mux.Handle("/events", watch.SSEHandler(node.Bus))
			mux.Handle("/events/ws", watch.WebSocketHandler(node.Bus))
		}
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// sampleAgent simulates work that takes a moment and fails now and then.
func sampleAgent(logger *slog.Logger) scheduler.Execution {
	return scheduler.Func(func(ctx context.Context, a scheduler.Agent) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100+rand.IntN(400)) * time.Millisecond):
		}
		if rand.IntN(10) == 0 {
			return errors.New("simulated failure")
		}
		logger.Info("sortlock-worker: agent ran", "agent", a.Type())
		return nil
	})
}
