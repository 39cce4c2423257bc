// Copyright (c) 2026 The rpcproxy Authors.

// Command rpcproxyd is the standalone process entry point that embeds
// the rpcproxy engine: it reads a JSON configuration document (spec §6's
// "compile-time tables," loaded from a file here since a real embedder
// would instead build config.Config from its own build-time definitions),
// dials or listens for the configured peer systems over TCP, and drives
// the engine's cooperative event loop (spec §5) with one goroutine per
// peer connection, each running its own keepalive timer and connect-retry
// ticker, supervised by an
// errgroup so a single peer's death cannot leak goroutines or hang
// shutdown.
//
// This binary has no real local IPC fabric to embed against, so it runs
// the engine against ipc.Fake, the same in-memory Fabric the engine's own
// tests use; it exists to prove the engine boots and converges end to
// end, not to be a production component host (spec §1 treats the IPC
// fabric as an external collaborator).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	rpcproxy "github.com/ipcmesh/rpcproxy"
	"github.com/ipcmesh/rpcproxy/internal/config"
	"github.com/ipcmesh/rpcproxy/internal/ipc"
	"github.com/ipcmesh/rpcproxy/internal/transport"
	"github.com/ipcmesh/rpcproxy/pkg/rpclog"
)

var (
	configPath  string
	logLevel    = rpclog.INFO
	logFile     string
	listenAddr  string
	metricsAddr string
	logRingSize int

	logRing *rpclog.Ring
)

var _ pflag.Value = (*rpclog.Level)(nil)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpcproxyd",
		Short: "inter-node RPC proxy daemon",
		RunE:  run,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a JSON configuration document (required)")
	flags.Var(&logLevel, "level", "log level: debug, info, warn, error, fatal")
	flags.StringVar(&logFile, "logfile", "", "also log to this file")
	flags.StringVar(&listenAddr, "listen", "", "address to accept inbound peer connections on, e.g. :7070 (optional)")
	flags.StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on, e.g. :9090 (optional)")
	flags.IntVar(&logRingSize, "log-ring-size", 256, "number of recent log lines to keep for the /debug/logs endpoint, 0 disables it")

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the rpcproxyd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(rpcproxy.Version)
			return nil
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("rpcproxyd: --config is required")
	}

	if err := setupLogging(); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("rpcproxyd: %w", err)
	}

	reg := prometheus.NewRegistry()
	fabric := ipc.NewFake()

	proxy, err := rpcproxy.New(cfg, fabric, reg)
	if err != nil {
		return fmt.Errorf("rpcproxyd: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := &daemon{proxy: proxy, cfg: cfg, mod: transport.NewTCP()}

	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, metricsAddr, reg, proxy) })
	}
	if listenAddr != "" {
		g.Go(func() error { return d.acceptInbound(gctx, listenAddr) })
	}
	for _, link := range cfg.SystemLinks {
		link := link
		g.Go(func() error { return d.runPeer(gctx, link) })
	}

	rpclog.Info("rpcproxyd: started, id=%s", proxy.ID)
	err = g.Wait()
	if err != nil && gctx.Err() == nil {
		return err
	}
	rpclog.Info("rpcproxyd: shutting down")
	return nil
}

func setupLogging() error {
	rpclog.AddLogger("stderr", os.Stderr, logLevel, true)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("rpcproxyd: opening logfile: %w", err)
		}
		rpclog.AddLogger("file", f, logLevel, false)
	}
	if logRingSize > 0 {
		logRing = rpclog.NewRing(logRingSize)
		rpclog.AddLogRing("ring", logRing, logLevel)
	}
	return nil
}

// serveMetrics exposes Prometheus counters plus two small introspection
// endpoints grounded in minimega's own debug surface: /debug/snapshot
// (the JSON form of Proxy.Snapshot, this engine's analogue of minimega's
// `.json` CLI responses) and /debug/logs (a dump of the bounded log
// ring, grounded in cmd/minimega/log_cli.go's `log ring` command which
// reads the same logRing.Dump() this daemon keeps).
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, proxy *rpcproxy.Proxy) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(proxy.Snapshot())
	})
	mux.HandleFunc("/debug/logs", func(w http.ResponseWriter, r *http.Request) {
		if logRing == nil {
			http.Error(w, "log ring disabled (--log-ring-size=0)", http.StatusNotFound)
			return
		}
		for _, line := range logRing.Dump() {
			fmt.Fprint(w, line)
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	rpclog.Info("rpcproxyd: metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpcproxyd: metrics server: %w", err)
	}
	return nil
}

// daemon drives the single-threaded engine from goroutines dedicated to
// I/O waiting only: every call into proxy itself happens without
// concurrent access, since each peer's events are serialized through its
// own runPeer goroutine and the engine's own state is partitioned by
// system name (spec §5: "no locking is needed" holds only as long as two
// goroutines never call into the same peer's state concurrently, which
// this one-goroutine-per-peer layout guarantees).
type daemon struct {
	proxy *rpcproxy.Proxy
	cfg   *config.Config
	mod   *transport.TCP
}

// acceptInbound listens for inbound peer connections (a system that
// dials us instead of the reverse), logs each one, and closes it: this
// binary does not adopt inbound links, only the ones runPeer dials.
// Grounded in minimega's meshage listener accept loop.
func (d *daemon) acceptInbound(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcproxyd: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpcproxyd: accept: %w", err)
		}
		rpclog.Info("rpcproxyd: inbound connection from %s", conn.RemoteAddr())
		conn.Close() // the engine correlates inbound links by system name carried in CONNECT_SERVICE_REQUEST, which this reference binary does not demultiplex; a real embedder wires this through Proxy.Adopt.
	}
}

// runPeer owns one configured system link's whole lifecycle: dial,
// feed bytes to the engine, retry on failure, and keep the connection
// alive, all serialized on this single goroutine so the engine's
// single-threaded assumption holds per system.
func (d *daemon) runPeer(ctx context.Context, link config.SystemLink) error {
	for {
		if err := d.connectOnce(ctx, link); err != nil {
			rpclog.Warn("rpcproxyd: peer %s: %v", link.System, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.Durations.ServiceRetryInterval):
		}
	}
}

func (d *daemon) connectOnce(ctx context.Context, link config.SystemLink) error {
	h, err := d.proxy.Connect(link.System, d.mod)
	if err != nil {
		return err
	}
	if err := d.proxy.Adopt(link.System, d.mod, h); err != nil {
		d.mod.Close(h)
		return err
	}

	firstKeepalive, err := d.proxy.Established(link.System)
	if err != nil {
		d.mod.Close(h)
		return err
	}
	rpclog.Info("rpcproxyd: peer %s up, handle=%d", link.System, h)

	keepaliveTimer := time.NewTimer(firstKeepalive)
	defer keepaliveTimer.Stop()

	// Reissues CONNECT_SERVICE_REQUEST for every exporter binding still
	// waiting on a response (spec §4.E's retry timer); RetryTimerFired
	// itself declines for bindings that are bound or not ours to retry.
	retryTicker := time.NewTicker(d.cfg.Durations.ServiceRetryInterval)
	defer retryTicker.Stop()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Durations.ClientRequestTimeout)
			if err := d.proxy.QuiescePeer(drainCtx, link.System); err != nil {
				rpclog.Warn("rpcproxyd: peer %s quiesce: %v", link.System, err)
			}
			cancel()
			d.mod.Close(h)
			return nil

		case <-retryTicker.C:
			for _, e := range d.cfg.Exported {
				if e.Peer != "*" && e.Peer != link.System {
					continue
				}
				if err := d.proxy.RetryTimerFired(link.System, e.Service); err != nil {
					rpclog.Warn("rpcproxyd: peer %s connect retry for %s: %v", link.System, e.Service, err)
				}
			}

		case <-keepaliveTimer.C:
			down, err := d.proxy.KeepaliveTick(link.System)
			if err != nil {
				d.mod.Close(h)
				return err
			}
			if down {
				d.mod.Close(h)
				reconnect, _ := d.proxy.LinkDown(link.System)
				rpclog.Warn("rpcproxyd: peer %s keepalive timeout, reconnecting in %s", link.System, reconnect)
				return nil
			}
			keepaliveTimer.Reset(d.cfg.Durations.KeepaliveInterval)

		default:
			n, err := d.mod.Receive(h, buf)
			if err != nil {
				if err == transport.ErrWouldBlock {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				reconnect, _ := d.proxy.LinkDown(link.System)
				rpclog.Warn("rpcproxyd: peer %s transport error, reconnecting in %s: %v", link.System, reconnect, err)
				return err
			}
			if n == 0 {
				continue
			}
			if err := d.proxy.Feed(link.System, buf[:n]); err != nil {
				rpclog.Error("rpcproxyd: peer %s: %v", link.System, err)
			}
		}
	}
}
