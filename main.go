package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	configpkg "github.com/eventflow/broker/internal/config"
	httpapi "github.com/eventflow/broker/internal/http"
	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/networking"
	"github.com/eventflow/broker/internal/registry"
	"github.com/eventflow/broker/internal/serverprotocol"
	"github.com/eventflow/broker/internal/transport/ws"
	"github.com/eventflow/broker/internal/userdemo"
)

func main() {
	startedAt := time.Now()

	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing websocket origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}

	bandwidth := networking.NewBandwidthRegulator(networking.DefaultBandwidthLimitBytesPerSecond, nil)
	wsOptions := []ws.ServerOption{
		ws.WithLogger(logger),
		ws.WithAllowedOrigins(cfg.AllowedOrigins, logger),
		ws.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
		ws.WithPingInterval(cfg.PingInterval),
		ws.WithMaxClients(cfg.MaxClients),
		ws.WithBandwidthRegulator(bandwidth),
	}

	switch cfg.WSAuthMode {
	case configpkg.WSAuthModeJWT:
		authenticator, err := ws.NewJWTAuthenticator(cfg.JWTSecret)
		if err != nil {
			logger.Fatal("failed to configure websocket authenticator", logging.Error(err))
		}
		wsOptions = append(wsOptions, ws.WithAuthenticator(authenticator))
		logger.Info("websocket jwt authentication enabled")
	default:
		logger.Info("websocket authentication disabled")
	}

	wsServer := ws.NewServer(wsOptions...)
	defer wsServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proto := serverprotocol.New(ctx, wsServer, serverprotocol.WithLogger(logger))

	store := userdemo.NewStore()
	handlers := userdemo.NewHandlers(store, proto.PublishEvent)
	reg, err := registry.New(handlers.Definitions()...)
	if err != nil {
		logger.Fatal("failed to build command registry", logging.Error(err))
	}

	dispatcher := newDispatchCounter()
	go dispatcher.run(ctx, proto, reg, logger)

	readiness := &readinessProvider{startedAt: startedAt, server: wsServer}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.Handler())

	var limiter httpapi.RateLimiter
	if cfg.AdminToken != "" {
		limiter = httpapi.NewSlidingWindowLimiter(time.Minute, 30, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:        logger,
		Readiness:     readiness,
		DispatchStats: dispatcher.snapshot,
		Subscriptions: func() (int, int) { return proto.SubscriptionCount(), proto.QueuedCommands() },
		Bandwidth:     bandwidth,
		Catalog:       reg,
		AdminToken:    cfg.AdminToken,
		RateLimiter:   limiter,
	})
	opsHandlers.Register(mux)

	handler := logging.HTTPTraceMiddleware(logger)(mux)
	server := &http.Server{Addr: cfg.Address, Handler: handler}

	tlsEnabled := cfg.TLSCertPath != ""
	logger.Info("broker listening", logging.String("address", listenerURL(cfg.Address, tlsEnabled)))

	serveErr := make(chan error, 1)
	go func() {
		if tlsEnabled {
			serveErr <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("broker server terminated", logging.Error(err))
		}
	case <-sig:
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", logging.Error(err))
		}
	}
}

// readinessProvider adapts a ws.Server and process start time to
// httpapi.ReadinessProvider.
type readinessProvider struct {
	startedAt time.Time
	server    *ws.Server
}

func (r *readinessProvider) SnapshotClientCounts() (clients, pending int) {
	return r.server.ClientCount(), 0
}

func (r *readinessProvider) StartupError() error { return nil }

func (r *readinessProvider) Uptime() time.Duration { return time.Since(r.startedAt) }

// dispatchCounter drains commands off a serverprotocol.Protocol and dispatches
// them through a registry, tracking aggregate counts for metrics.
type dispatchCounter struct {
	dispatched int64
	succeeded  int64
	failed     int64
}

func newDispatchCounter() *dispatchCounter { return &dispatchCounter{} }

func (d *dispatchCounter) run(ctx context.Context, proto *serverprotocol.Protocol, reg *registry.Registry, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-proto.OnCommand():
			atomic.AddInt64(&d.dispatched, 1)
			result := reg.Dispatch(ctx, cmd)
			if result.Ok() {
				atomic.AddInt64(&d.succeeded, 1)
			} else {
				atomic.AddInt64(&d.failed, 1)
			}
			if err := proto.SendResult(ctx, cmd.ID, result); err != nil {
				logger.Error("failed to send command result", logging.String("command_id", cmd.ID), logging.Error(err))
			}
		}
	}
}

func (d *dispatchCounter) snapshot() httpapi.DispatchStats {
	return httpapi.DispatchStats{
		Dispatched: int(atomic.LoadInt64(&d.dispatched)),
		Succeeded:  int(atomic.LoadInt64(&d.succeeded)),
		Failed:     int(atomic.LoadInt64(&d.failed)),
	}
}
