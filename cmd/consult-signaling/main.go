package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lawlink/consult-signaling/internal/auth"
	"github.com/lawlink/consult-signaling/internal/backend"
	"github.com/lawlink/consult-signaling/internal/clock"
	"github.com/lawlink/consult-signaling/internal/config"
	"github.com/lawlink/consult-signaling/internal/httpserver"
	"github.com/lawlink/consult-signaling/internal/metrics"
	"github.com/lawlink/consult-signaling/internal/room"
	"github.com/lawlink/consult-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	logger.Info("starting consult-signaling",
		"listen_addr", cfg.ListenAddr,
		"auth_mode", cfg.AuthMode,
		"max_participants", cfg.MaxParticipants,
		"reconnect_grace", cfg.ReconnectGrace,
		"empty_room_delay", cfg.EmptyRoomDelay,
		"postgres_set", cfg.PostgresDSN != "",
		"nats_set", cfg.NATSURL != "",
		"entitlement_url_set", cfg.EntitlementURL != "",
		"recording_url_set", cfg.RecordingServiceURL != "",
	)

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("AUTH_MODE=none trusts client-asserted identities; do not expose this to the internet")
	}

	m := metrics.New()
	clk := clock.Real{}

	// External collaborators degrade to no-ops when unconfigured so the
	// service runs standalone in development.
	var status room.StatusStore = backend.NopStatusStore{}
	if cfg.PostgresDSN != "" {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := backend.OpenPostgres(openCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			logger.Error("failed to connect to postgres", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		status = backend.NewPostgresStatusStore(pool)
	}

	var notifier room.Notifier = backend.NopNotifier{}
	if cfg.NATSURL != "" {
		nc, err := backend.ConnectNATS(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		notifier = backend.NewNATSNotifier(nc)
	}

	var entitlements room.EntitlementChecker = backend.AllowAllEntitlements{}
	if cfg.EntitlementURL != "" {
		entitlements = backend.NewHTTPEntitlementChecker(cfg.EntitlementURL)
	} else {
		logger.Warn("no entitlement service configured; every join is allowed")
	}

	var recorder room.RecordingService = backend.NopRecordingService{}
	if cfg.RecordingServiceURL != "" {
		recorder = backend.NewHTTPRecordingService(cfg.RecordingServiceURL)
	}

	hub := signaling.NewHub(logger, m)
	mgr := room.NewManager(logger, clk, m, room.ManagerConfig{
		MaxParticipants: cfg.MaxParticipants,
		ReconnectGrace:  cfg.ReconnectGrace,
		EmptyRoomDelay:  cfg.EmptyRoomDelay,
	}, room.Deps{
		Registry:     room.NewConnectionRegistry(),
		Sender:       hub,
		Entitlements: entitlements,
		Status:       status,
		Recorder:     recorder,
		Notifier:     notifier,
	})

	sig := signaling.NewServer(signaling.ServerConfig{
		Log:      logger,
		Clock:    clk,
		Metrics:  m,
		Verifier: verifier,
		Manager:  mgr,
		Hub:      hub,

		AuthMode:    cfg.AuthMode,
		AuthTimeout: cfg.SignalingAuthTimeout,

		IdleTimeout:  cfg.WSIdleTimeout,
		PingInterval: cfg.WSPingInterval,

		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,

		STUNURLs: cfg.STUNURLs,
	})

	collector := metrics.NewCollector(logger, clk, metrics.CollectorConfig{
		SampleInterval:    cfg.MetricsInterval,
		History:           cfg.MetricsHistory,
		SweepInterval:     cfg.SweepInterval,
		IdleRoomThreshold: cfg.IdleRoomThreshold,
	}, mgr, hub, mgr, nil)
	collector.Start()

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), httpserver.Deps{
		Metrics:   m,
		Collector: collector,
		Rooms:     mgr,
		Signaling: sig,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		collector.Stop()
		mgr.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	collector.Stop()
	mgr.Close()
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
