package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/samograsic/ion-dtn-dtnex/internal/config"
	"github.com/samograsic/ion-dtn-dtnex/internal/conn"
	"github.com/samograsic/ion-dtn-dtnex/internal/directory"
	"github.com/samograsic/ion-dtn-dtnex/internal/engine"
	"github.com/samograsic/ion-dtn-dtnex/internal/graph"
	"github.com/samograsic/ion-dtn-dtnex/internal/logx"
	"github.com/samograsic/ion-dtn-dtnex/internal/metrics"
	"github.com/samograsic/ion-dtn-dtnex/internal/replay"
	"github.com/samograsic/ion-dtn-dtnex/internal/sched"
	"github.com/samograsic/ion-dtn-dtnex/internal/transport"
	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

const version = "2.0.0"

// exitRestart asks the supervisor (systemd or similar) to start a fresh
// process after a transport fault.
const exitRestart = 3

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stderr)
	case "ping":
		return runPing(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "dtnexd "+version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: dtnexd <run|ping|version> [args]")
	fmt.Fprintln(w, "  run  --config <path>")
	fmt.Fprintln(w, "  ping --config <path> --node <id> [--timeout 5s]")
	fmt.Fprintln(w, "  version")
}

// contactLogger is the default topology sink: applied contacts are logged
// so an external consumer can pick them up. A real deployment swaps in a
// store-backed sink.
type contactLogger struct {
	log *zap.Logger
}

func (c *contactLogger) ApplyContact(a, b wire.NodeID, start, end int64) error {
	c.log.Info("contact applied",
		zap.Uint64("node_a", uint64(a)),
		zap.Uint64("node_b", uint64(b)),
		zap.Int64("start", start),
		zap.Int64("end", end))
	return nil
}

func runDaemon(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to YAML configuration")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cfgPath == "" {
		fmt.Fprintln(stderr, "missing --config")
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := logx.New(cfg.LogLevel)
	defer logger.Sync()
	met := metrics.New("dtnex")

	peers := make(map[wire.NodeID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[wire.NodeID(p.NodeID)] = p.Address
	}
	tr, err := transport.NewQUIC(transport.QUICConfig{
		NodeID:        wire.NodeID(cfg.NodeID),
		ListenAddress: cfg.ListenAddress,
		Peers:         peers,
		PresharedKey:  cfg.PresharedKey,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("transport setup failed", zap.Error(err))
		return 1
	}
	defer tr.Close()

	var selfMD *wire.MetadataFact
	if md, ok := cfg.SelfMetadata(); ok {
		selfMD = &md
	}
	eng := engine.New(engine.Config{
		NodeID:               wire.NodeID(cfg.NodeID),
		UpdateInterval:       cfg.UpdateIntervalDuration(),
		ContactLifetime:      cfg.ContactLifetimeDuration(),
		ContactTimeTolerance: time.Duration(cfg.ContactTimeTolerance) * time.Second,
		BundleTTL:            time.Duration(cfg.BundleTTL) * time.Second,
		NeighborCacheAge:     cfg.NeighborCacheAgeDuration(),
		SelfMetadata:         selfMD,
	}, wire.NewAuthenticator(cfg.PresharedKey), directory.New(), replay.NewCache(cfg.ReplayCacheSize),
		&contactLogger{log: logger}, tr, tr, logger, met)

	sch := sched.New(sched.Config{}, eng, tr, logger)
	if cfg.GraphFile != "" {
		self := wire.NodeID(cfg.NodeID)
		sch.OnCycle = func() {
			if err := graph.WriteFile(cfg.GraphFile, eng.Directory(), self); err != nil {
				logger.Warn("graph export failed", zap.Error(err))
			}
		}
	}

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	machine := conn.NewMachine(tr, conn.Config{
		OnConnect: func(ctx context.Context) error {
			if err := eng.RunCycleNow(ctx); err != nil {
				logger.Warn("startup dissemination incomplete", zap.Error(err))
			}
			go func() { _ = sch.Run(ctx) }()
			return nil
		},
	}, logger, met)

	logger.Info("dtnexd starting",
		zap.String("version", version),
		zap.Uint64("node", cfg.NodeID),
		zap.Int("peers", len(cfg.Peers)))

	err = machine.Run(ctx, tr.Faults())
	switch {
	case errors.Is(err, conn.ErrRestartRequired):
		logger.Error("restart required", zap.Error(err))
		return exitRestart
	case errors.Is(err, context.Canceled):
		logger.Info("shutting down")
		return 0
	case err != nil:
		logger.Error("daemon failed", zap.Error(err))
		return 1
	}
	return 0
}

func runPing(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to YAML configuration")
	node := fs.Uint64("node", 0, "destination node id")
	timeout := fs.Duration("timeout", 5*time.Second, "reply timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cfgPath == "" || *node == 0 {
		fmt.Fprintln(stderr, "missing --config or --node")
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	peers := make(map[wire.NodeID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[wire.NodeID(p.NodeID)] = p.Address
	}
	tr, err := transport.NewQUIC(transport.QUICConfig{
		NodeID:       wire.NodeID(cfg.NodeID),
		Peers:        peers,
		PresharedKey: cfg.PresharedKey,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer tr.Close()

	payload := []byte(fmt.Sprintf("dtnex-ping %d %d", cfg.NodeID, time.Now().UnixNano()))
	start := time.Now()
	reply, err := tr.Ping(context.Background(), wire.NodeID(*node), payload, *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "ping node %d: %v\n", *node, err)
		return 1
	}
	if string(reply) != string(payload) {
		fmt.Fprintf(stderr, "ping node %d: reply mismatch\n", *node)
		return 1
	}
	fmt.Fprintf(stdout, "reply from node %d: %d bytes in %s\n", *node, len(reply), time.Since(start).Round(time.Microsecond))
	return 0
}
