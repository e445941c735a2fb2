package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/metrics"
)

// metricsDelta renders what changed between two snapshots. The state
// gauge is reported as is.
func metricsDelta(prev, cur metrics.Snapshot) []any {
	return []any{
		"ticks", cur.Ticks - prev.Ticks,
		"overruns", cur.Overruns - prev.Overruns,
		"missed_ticks", cur.MissedTicks - prev.MissedTicks,
		"state", cur.State,
		"can_rx", cur.SocketCANRx - prev.SocketCANRx,
		"can_tx", cur.SocketCANTx - prev.SocketCANTx,
		"uart_rx", cur.SerialRx - prev.SerialRx,
		"uart_tx", cur.SerialTx - prev.SerialTx,
		"hub_drops", cur.HubDrops - prev.HubDrops,
		"rejected", cur.EndpointRejected - prev.EndpointRejected,
		"isotp_errors", cur.ISOTPErrors - prev.ISOTPErrors,
		"heartbeats", cur.Heartbeats - prev.Heartbeats,
		"malformed", cur.Malformed - prev.Malformed,
		"errors", cur.Errors - prev.Errors,
	}
}

// startMetricsLogger logs per-interval counter deltas.
func startMetricsLogger(ctx context.Context, every time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if every <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		prev := metrics.Snap()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			cur := metrics.Snap()
			l.Info("metrics_interval", append([]any{"interval", every}, metricsDelta(prev, cur)...)...)
			prev = cur
		}
	}()
}
