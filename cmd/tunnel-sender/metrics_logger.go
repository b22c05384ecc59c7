package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/numimin/tunnel-sender/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"accepted", snap.Accepted,
					"rejected", snap.Rejected,
					"removed", snap.Removed,
					"client_rx", snap.ClientRx,
					"tunnel_tx", snap.TunnelTx,
					"tunnel_rx", snap.TunnelRx,
					"control_frames", snap.Control,
					"ring_full", snap.RingFull,
					"poll_iterations", snap.PollIters,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
