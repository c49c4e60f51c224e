// Package scheduler implements the Poll Scheduler: the two periodic
// tasks that drive every agent's status/archive polling and clock resync,
// subject to per-bus backpressure.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
)

// statusPollInterval and clockResyncInterval are the two fixed periods
// the scheduler runs on.
const (
	statusPollInterval  = 2 * time.Second
	clockResyncInterval = 12 * time.Hour

	// backpressureThreshold is the queue-depth ceiling at or above which
	// a bus's status poll tick is skipped entirely for that bus.
	backpressureThreshold = 20
)

// BusQueue is the subset of busio.BusManager the scheduler needs to
// evaluate backpressure.
type BusQueue interface {
	QueueDepth(highPrio bool) int
}

// AgentSource is the subset of registry.Registry the scheduler polls
// against, accepted as an interface per the project's general
// convention and to keep this package testable without a real registry.
type AgentSource interface {
	ByBus(busIndex int) []*instrument.Agent
	All() []*instrument.Agent
}

// Scheduler runs the two periodic polling tasks as ticker-driven loops
// selecting on ctx.Done().
type Scheduler struct {
	agents AgentSource
	buses  map[int]BusQueue
	log    *logging.Logger
}

// New constructs a Scheduler. buses maps busIndex to the BusManager
// serving it, used only for QueueDepth backpressure checks.
func New(agents AgentSource, buses map[int]BusQueue, log *logging.Logger) *Scheduler {
	return &Scheduler{agents: agents, buses: buses, log: log}
}

// Run starts both periodic tasks and blocks until ctx is cancelled or
// either task returns an error. Supervised with errgroup so an error
// from one loop triggers coordinated shutdown of the other.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.statusLoop(ctx) })
	g.Go(func() error { return s.clockLoop(ctx) })
	return g.Wait()
}

func (s *Scheduler) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.statusTick()
		}
	}
}

func (s *Scheduler) clockLoop(ctx context.Context) error {
	ticker := time.NewTicker(clockResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.clockTick()
		}
	}
}

// statusTick performs one round of the 2s status poll: for every
// configured bus whose queue depth (either priority class) is below the
// backpressure threshold, every agent on that bus is asked for status,
// archive dataset, and next-archive, in that order.
func (s *Scheduler) statusTick() {
	for busIndex, queue := range s.buses {
		depth := queue.QueueDepth(false)
		if hi := queue.QueueDepth(true); hi > depth {
			depth = hi
		}
		if depth >= backpressureThreshold {
			if s.log != nil {
				s.log.Debug("status poll suppressed by backpressure", "bus", busIndex, "queue_depth", depth)
			}
			continue
		}
		for _, a := range s.agents.ByBus(busIndex) {
			a.RequestStatus()
			a.RequestArchiveDataset()
			a.RequestNextArchive()
		}
	}
}

// clockTick resyncs every agent's clock on the 12h cycle.
func (s *Scheduler) clockTick() {
	for _, a := range s.agents.All() {
		a.SetClock()
	}
}
