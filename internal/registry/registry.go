// Package registry implements the Instrument Registry: it owns every
// Instrument Agent, loads/persists their configuration, and demuxes
// inbound bus events to the correct agent by transaction id.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/busio"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
)

// LiveFanout receives every assembled live reading, in addition to the
// real measurement sink, so the control surface's "startlive" subscribers
// see it as soon as an agent finishes assembling a dataset.
type LiveFanout interface {
	PublishActual(id int, room string, data instrument.ActualData)
}

// Registry owns the full set of agents. It implements instrument.Sink
// itself so every agent's assembled dataset passes through one place
// that fans out to the real time-series sink and to live subscribers.
// Agents never hold a reference back to the Registry; they reach it only
// through the narrow Sink/EventLog/saveFunc interfaces handed to them at
// construction.
type Registry struct {
	mu     sync.RWMutex
	agents map[int]*instrument.Agent

	dir   string
	buses map[int]instrument.BusPort

	sink instrument.Sink
	live LiveFanout
	log  *logging.Logger
}

// New constructs an empty Registry. dir is the persistence directory for
// particlecounter-NNNNNN.csv files; buses maps busIndex to the
// BusManager serving it.
func New(dir string, buses map[int]instrument.BusPort, sink instrument.Sink, log *logging.Logger) *Registry {
	return &Registry{
		agents: make(map[int]*instrument.Agent),
		dir:    dir,
		buses:  buses,
		sink:   sink,
		log:    log,
	}
}

// SetLiveFanout wires the control surface's live-subscriber fan-out.
// Done post-construction since the control surface needs a *Registry to
// serve list/get/set, a genuine mutual dependency broken by injecting
// the fanout after both exist.
func (r *Registry) SetLiveFanout(live LiveFanout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = live
}

// OnActualData implements instrument.Sink, fanning out to the real sink
// and to any live subscribers.
func (r *Registry) OnActualData(id int, room string, data instrument.ActualData) {
	if r.sink != nil {
		r.sink.OnActualData(id, room, data)
	}
	r.mu.RLock()
	live := r.live
	r.mu.RUnlock()
	if live != nil {
		live.PublishActual(id, room, data)
	}
}

// OnArchiveData implements instrument.Sink.
func (r *Registry) OnArchiveData(id int, room string, archive instrument.ArchiveDataset) {
	if r.sink != nil {
		r.sink.OnArchiveData(id, room, archive)
	}
}

// Load enumerates *.csv under the persistence directory, sorted
// lexicographically by filename, instantiates one agent per file, wires
// its collaborators, and calls Init() to start polling it.
func (r *Registry) Load(eventLog instrument.EventLog) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", r.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		a, err := instrument.Load(filepath.Join(r.dir, name))
		if err != nil {
			if r.log != nil {
				r.log.Error("failed to load instrument file", "file", name, "error", err)
			}
			continue
		}
		r.register(a, eventLog)
		a.Init()
	}
	return nil
}

// register wires an agent's collaborators and adds it to the set. Caller
// must not hold r.mu.
func (r *Registry) register(a *instrument.Agent, eventLog instrument.EventLog) {
	a.Configure(r.log, r, eventLog, r.saveAgent)

	r.mu.Lock()
	bus := r.buses[a.BusIndex]
	r.agents[a.ID] = a
	r.mu.Unlock()

	if bus != nil {
		a.AttachBus(bus)
	} else if r.log != nil {
		r.log.Error("configuration error", "instrument", a.ID, "reason", fmt.Sprintf("referencing unknown bus %d", a.BusIndex))
	}
}

// saveAgent is the saveFunc closure injected into every Agent, breaking
// the back-reference an Agent would otherwise need to persist itself.
// It receives a pre-built snapshot line rather than the Agent, since
// Agent.markDirty calls it while that Agent's own lock is already held;
// this does pure file I/O and must never call back into the Agent.
func (r *Registry) saveAgent(id int, line string) error {
	return instrument.WriteInstrumentFile(r.dir, id, line)
}

// Add constructs, persists, and initialises a new instrument.
func (r *Registry) Add(id, busIndex, unitAddress int, room string, eventLog instrument.EventLog) (string, error) {
	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: instrument id %d already exists", ErrDuplicateID, id)
	}
	r.mu.Unlock()

	a := instrument.New(id, busIndex, unitAddress, r.log, r, eventLog, r.saveAgent)
	a.SetRoom(room)

	r.mu.Lock()
	bus := r.buses[busIndex]
	r.agents[id] = a
	r.mu.Unlock()

	if bus != nil {
		a.AttachBus(bus)
	}
	if err := a.Save(r.dir); err != nil {
		return "", fmt.Errorf("persisting instrument %d: %w", id, err)
	}
	a.Init()

	return fmt.Sprintf("Particle Counter id=%d added on bus=%d unit=%d", id, busIndex, unitAddress), nil
}

// Delete removes agents matching id and/or busIndex, erasing their
// persisted files and log entries. Either selector may be -1 to mean
// "unset".
func (r *Registry) Delete(id, busIndex int, eventLog interface{ ClearInstrument(int) }) int {
	r.mu.Lock()
	var toDelete []*instrument.Agent
	for _, a := range r.agents {
		if id >= 0 && a.ID != id {
			continue
		}
		if busIndex >= 0 && a.BusIndex != busIndex {
			continue
		}
		toDelete = append(toDelete, a)
	}
	for _, a := range toDelete {
		delete(r.agents, a.ID)
	}
	r.mu.Unlock()

	for _, a := range toDelete {
		path := filepath.Join(r.dir, instrument.FileName(a.ID))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && r.log != nil {
			r.log.Error("failed to remove instrument file", "file", path, "error", err)
		}
		if eventLog != nil {
			eventLog.ClearInstrument(a.ID)
		}
	}
	return len(toDelete)
}

// GetSnapshot returns a snapshot of agent id, or false if no such agent
// exists. Distinct from Get(id, key), which serves the TCP control
// surface's string-typed per-field surface.
func (r *Registry) GetSnapshot(id int) (instrument.Snapshot, bool) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return instrument.Snapshot{}, false
	}
	return a.Snapshot(), true
}

// List returns every agent's snapshot, sorted by id.
func (r *Registry) List() []instrument.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]instrument.Snapshot, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByBus returns every agent on busIndex, used by the Poll Scheduler.
func (r *Registry) ByBus(busIndex int) []*instrument.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*instrument.Agent
	for _, a := range r.agents {
		if a.BusIndex == busIndex {
			out = append(out, a)
		}
	}
	return out
}

// All returns every agent, used by the Poll Scheduler's clock resync.
func (r *Registry) All() []*instrument.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*instrument.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Dispatch runs the registry's single event-loop goroutine, demuxing
// every busio.Event to the agent that owns its transaction id. Returns
// when events is closed.
func (r *Registry) Dispatch(events <-chan busio.Event) {
	for evt := range events {
		r.handleEvent(evt)
	}
}

func (r *Registry) handleEvent(evt busio.Event) {
	owner := r.findOwner(evt.TxID)
	if owner == nil {
		if r.log != nil {
			r.log.Error("routing error: no instrument owns transaction", "tx_id", evt.TxID, "bus", evt.BusIndex)
		}
		return
	}

	switch evt.Kind {
	case busio.EventHoldingRead:
		owner.ClaimTransaction(evt.TxID, true)
		owner.HandleHoldingRead(evt.StartReg, evt.Words)
	case busio.EventInputRead:
		owner.ClaimTransaction(evt.TxID, true)
		owner.HandleInputRead(evt.StartReg, evt.Words)
	case busio.EventTransactionFinished:
		owner.ClaimTransaction(evt.TxID, true)
	case busio.EventTransactionLost:
		owner.ClaimTransaction(evt.TxID, true)
		owner.HandleTransactionLost()
	}
}

// findOwner resolves a transaction id to its owning agent. At most one
// agent can ever claim a given id, so the first to claim it wins.
func (r *Registry) findOwner(txID uint64) *instrument.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.ClaimTransaction(txID, false) {
			return a
		}
	}
	return nil
}
