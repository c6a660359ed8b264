package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/canio"
	"github.com/kstaniek/go-canio/internal/clock"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/pool"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-monitor %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	clk := clock.System()
	driver, cleanup, derr := initDriver(cfg, clk)
	if derr != nil {
		l.Error("driver_init_error", "error", derr)
		return
	}
	defer cleanup()

	mgr, merr := canio.NewIOManager(driver, pool.New(cfg.poolBlocks), clk, cfg.blocksPerIface)
	if merr != nil {
		l.Error("iomanager_init_error", "error", merr)
		return
	}
	l.Info("iomanager_ready", "driver", cfg.driver, "ifaces", mgr.NumIfaces(), "pool_blocks", cfg.poolBlocks)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		go func() {
			var port int
			if _, p, err := splitHostPort(cfg.metricsAddr); err == nil {
				port = p
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runLoop(ctx, cfg, mgr, clk, l)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}

// runLoop is the single cooperative context that owns the IO manager: it
// polls for received frames and, when configured, emits a heartbeat frame
// across all interfaces.
func runLoop(ctx context.Context, cfg *appConfig, mgr *canio.IOManager, clk clock.Clock, l *slog.Logger) {
	allIfaces := uint8(1<<mgr.NumIfaces()) - 1
	nextBeat := clk.Monotonic()
	var seq uint8
	for ctx.Err() == nil {
		if cfg.heartbeatID > 0 && clk.Monotonic() >= nextBeat {
			frame := can.NewFrame(uint32(cfg.heartbeatID)|can.CAN_EFF_FLAG, []byte{seq})
			seq++
			deadline := clk.Monotonic() + cfg.txDeadline
			sent, err := mgr.Send(frame, deadline, deadline, allIfaces, canio.Persistent, 0)
			if err != nil {
				l.Error("heartbeat_send_error", "error", err)
				return
			}
			l.Debug("heartbeat_sent", "ifaces", sent)
			nextBeat += cfg.heartbeatEvery
		}

		var rx can.RxFrame
		n, err := mgr.Receive(&rx, clk.Monotonic()+cfg.pollInterval)
		if err != nil {
			l.Error("receive_error", "error", err)
			return
		}
		if n > 0 {
			l.Info("frame",
				"iface", rx.IfaceIndex,
				"id", fmt.Sprintf("0x%X", rx.CANID&can.CAN_EFF_MASK),
				"ext", rx.IsExtended(),
				"rtr", rx.IsRTR(),
				"len", rx.DataLength(),
				"data", fmt.Sprintf("%X", rx.Data[:rx.DataLength()]),
			)
		}
	}
}

// splitHostPort extracts the numeric port from an addr like ":9100".
func splitHostPort(addr string) (string, int, error) {
	i := len(addr) - 1
	for i >= 0 && addr[i] != ':' {
		i--
	}
	if i < 0 {
		return "", 0, fmt.Errorf("no port in %q", addr)
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, err
	}
	return addr[:i], p, nil
}
