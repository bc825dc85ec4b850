package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-isotp-server/internal/gateway"
	"github.com/kstaniek/go-isotp-server/internal/isotp"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/server"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("isotp-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	listeners, err := loadListeners(cfg)
	if err != nil {
		l.Error("listener_config_error", "error", err)
		os.Exit(2)
	}
	filter, err := filterIDs(cfg, listeners)
	if err != nil {
		l.Error("filter_config_error", "error", err)
		os.Exit(2)
	}
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := initBackend(ctx, cfg, filter, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}

	eng := gateway.New(be.sink, h,
		gateway.WithListeners(listeners...),
		gateway.WithDefaults(engineDefaults(cfg)...),
		gateway.WithQueueSize(cfg.engineQueue),
		gateway.WithLogger(l),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			l.Error("engine_error", "error", err)
			cancel()
		}
	}()
	be.start(ctx, &wg, eng.HandleFrame)

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&wire.Codec{}),
		server.WithSubmit(eng.Submit),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port, len(listeners))
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when the listener is bound and the engine loop is alive.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		select {
		case <-eng.Done():
			return false
		default:
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	be.cleanup()
	wg.Wait()
}

// engineDefaults maps the global ISO-TP flags onto stack options.
func engineDefaults(cfg *appConfig) []isotp.Option {
	return []isotp.Option{
		isotp.WithTimeout(cfg.isotpTimeout),
		isotp.WithBlockSize(uint8(cfg.blockSize)),
		isotp.WithSTmin(cfg.stmin),
		isotp.WithPadding(cfg.padding),
	}
}
