// particleserver is a headless daemon that acquires particle-count
// measurements from cleanroom particle-counting instruments over
// multi-drop Modbus RTU field buses, persists each instrument's
// configuration locally, and pushes every measurement to an external
// time-series database. It exposes a line-oriented TCP control
// interface for operators on localhost:16001.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/busio"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/control"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/config"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/logentry"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/registry"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/scheduler"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/sink"
)

// Version information, set at build time via ldflags, e.g.
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// persistenceDir is the fixed directory per-instrument configuration
// files are read from and written to.
const persistenceDir = "/var/openffucontrol/particlecounters/"

// eventBacklog bounds the shared channel every Bus Manager emits events
// onto; the Instrument Registry's single dispatch goroutine is expected
// to drain it far faster than any bus can fill it. A full channel means
// the dispatch loop is stuck, and BusManager.emit blocks its bus worker
// on it until the registry catches up or the run is cancelled.
const eventBacklog = 256

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon's actual logic, separated from main so errors can be
// handled uniformly and the function stays unit-testable in principle.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting particleserver", "version", version, "commit", commit)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "buses", len(cfg.Buses))

	if err := os.MkdirAll(persistenceDir, 0o755); err != nil {
		return fmt.Errorf("creating persistence directory %s: %w", persistenceDir, err)
	}

	logs := logentry.New(log.With("component", "logentry"))

	events := make(chan busio.Event, eventBacklog)
	idGen := busio.NewSharedIDGenerator()

	busManagers := make(map[int]*busio.BusManager, len(cfg.Buses))
	busPorts := make(map[int]instrument.BusPort, len(cfg.Buses))
	schedulerBuses := make(map[int]scheduler.BusQueue, len(cfg.Buses))
	controlBuses := make(map[int]control.BusQueue, len(cfg.Buses))

	for _, busCfg := range cfg.Buses {
		busLog := log.With("component", fmt.Sprintf("bus.%d", busCfg.Index))
		if busCfg.RedundantDevice != "" {
			busLog.Info("redundant interface configured but not implemented",
				"primary", busCfg.Device, "redundant", busCfg.RedundantDevice)
		}

		bm := busio.New(
			busCfg.Index,
			devicePath(busCfg.Device),
			time.Duration(busCfg.TxDelayMillis)*time.Millisecond,
			idGen,
			busLog,
			events,
		)
		busManagers[busCfg.Index] = bm
		busPorts[busCfg.Index] = bm
		schedulerBuses[busCfg.Index] = bm
		controlBuses[busCfg.Index] = bm
	}

	sinkClient := sink.New(cfg.InfluxDB, log.With("component", "sink"))
	reg := registry.New(persistenceDir, busPorts, sinkClient, log.With("component", "registry"))

	if err := reg.Load(logs); err != nil {
		return fmt.Errorf("loading persisted instruments: %w", err)
	}

	ctrl := control.New(control.DefaultAddr, reg, controlBuses, logs, log.With("component", "control"))
	reg.SetLiveFanout(ctrl)

	sched := scheduler.New(reg, schedulerBuses, log.With("component", "scheduler"))

	g, gctx := errgroup.WithContext(ctx)
	for _, bm := range busManagers {
		bm := bm
		g.Go(func() error { return bm.Run(gctx) })
	}
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })

	dispatchDone := make(chan struct{})
	go func() {
		reg.Dispatch(events)
		close(dispatchDone)
	}()

	log.Info("particleserver running", "control_addr", control.DefaultAddr)
	runErr := g.Wait()

	// Every Bus Manager has returned by the time g.Wait unblocks, so no
	// further sends onto events can happen; safe to close and let the
	// registry's dispatch loop drain and exit.
	close(events)
	<-dispatchDone

	log.Info("particleserver stopped")
	return runErr
}

// getConfigPath returns the configuration file path, honouring an
// environment override for test/deployment flexibility.
func getConfigPath() string {
	if path := os.Getenv("PARTICLESERVER_CONFIG"); path != "" {
		return path
	}
	return config.DefaultPath
}

// devicePath turns a config.BusConfig's bare interface name into the
// serial device path the kernel exposes it under.
func devicePath(iface string) string {
	return "/dev/" + iface
}
