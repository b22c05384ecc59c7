package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/numimin/tunnel-sender/internal/metrics"
	"github.com/numimin/tunnel-sender/internal/tunnel"
)

func main() {
	cfg, showVersion, err := parseFlags()
	if showVersion {
		fmt.Printf("tunnel-sender %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := tunnel.NewServer(
		tunnel.WithListenPort(cfg.listenPort),
		tunnel.WithTunnelAddr(cfg.destIP, cfg.destPort),
		tunnel.WithBufferSize(cfg.clientBufSize),
		tunnel.WithRingHeadroom(cfg.ringHeadroom),
		tunnel.WithMaxClients(cfg.maxClients),
		tunnel.WithConnectTimeout(cfg.connectTimeout),
		tunnel.WithLogger(l),
	)

	go func() {
		if serveErr := srv.Serve(ctx); serveErr != nil {
			l.Error("tunnel_server_error", "error", serveErr)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port, perr := srv.ListenPort()
		if perr != nil {
			l.Warn("mdns_start_failed", "error", perr)
			return
		}
		cleanupMDNS, merr := startMDNS(ctx, cfg, port)
		if merr != nil {
			l.Warn("mdns_start_failed", "error", merr)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	wg.Wait()
}
