package instrument

import (
	"fmt"
	"sync"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
)

// BusPort is the subset of busio.BusManager an Agent needs to submit
// requests. Accepted as an interface at the point of use, per the
// project's general convention.
type BusPort interface {
	ReadHolding(unit byte, startReg, count uint16) uint64
	ReadInput(unit byte, startReg, count uint16) uint64
	WriteSingle(unit byte, reg, value uint16) uint64
}

// Agent is the per-instrument Modbus protocol state machine: it tracks
// one particle counter's configuration and live status, and submits the
// register reads/writes needed to keep them current.
//
// Every public operation enqueues bus work and returns immediately; the
// agent never blocks waiting on a response. All mutable state is guarded
// by mu since responses arrive from the registry's single dispatch
// goroutine while Get/Set calls arrive from arbitrary control-connection
// goroutines.
type Agent struct {
	ID          int
	BusIndex    int
	UnitAddress int
	Room        string // operator-assigned location label, not read from the instrument

	mu sync.Mutex

	bus      BusPort
	sink     Sink
	eventLog EventLog
	log      *logging.Logger

	config          ConfigData
	samplingEnabled bool

	online                bool
	lastSeen              *time.Time
	lostTelegrams         uint64
	clockSettingLostCount uint32
	statusString          string

	deviceInfo     DeviceInfo
	physicalUnit   string
	statusRegister StatusRegister
	errorRegister  ErrorRegister

	pending map[uint64]struct{}

	liveData ActualData

	autosave bool
	dirty    bool

	// saveFunc persists a pre-built snapshot line for the given instrument
	// id. It takes the line rather than the Agent itself so markDirty can
	// call it while already holding mu: saveFunc must do pure I/O and
	// never touch the Agent, or it would deadlock on a non-reentrant
	// mutex.
	saveFunc func(id int, line string) error
}

// New constructs an Agent. saveFunc is called whenever autosave is true
// and an identity-affecting field changes; it is normally
// registry.(*Registry).saveAgent, injected to avoid a back-reference from
// instrument to registry (the registry owns persistence, never the agent).
func New(id, busIndex, unitAddress int, log *logging.Logger, sink Sink, eventLog EventLog, saveFunc func(id int, line string) error) *Agent {
	return &Agent{
		ID:          id,
		BusIndex:    busIndex,
		UnitAddress: unitAddress,
		log:         log,
		sink:        sink,
		eventLog:    eventLog,
		pending:     make(map[uint64]struct{}),
		autosave:    true,
		saveFunc:    saveFunc,
	}
}

// AttachBus wires the Bus Manager for this agent's busIndex. Left nil when
// the configured busIndex has no corresponding Bus Manager.
func (a *Agent) AttachBus(bus BusPort) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bus = bus
}

// Configure wires the collaborators an Agent built by Load cannot know
// about until the registry has constructed them.
func (a *Agent) Configure(log *logging.Logger, sink Sink, eventLog EventLog, saveFunc func(id int, line string) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = log
	a.sink = sink
	a.eventLog = eventLog
	a.saveFunc = saveFunc
}

// canContactBus checks the "configured and target bus exists"
// precondition shared by every bus-contacting operation. Caller must
// hold mu.
func (a *Agent) canContactBus() bool {
	if a.BusIndex < 0 || a.UnitAddress < 0 {
		a.logConfigError("missing busIndex or unitAddress")
		return false
	}
	if a.bus == nil {
		a.logConfigError(fmt.Sprintf("referencing unknown bus %d", a.BusIndex))
		return false
	}
	return true
}

func (a *Agent) logConfigError(reason string) {
	if a.log == nil {
		return
	}
	a.log.Error("configuration error", "instrument", a.ID, "reason", reason)
}

func (a *Agent) submitReadHolding(startReg, count uint16) {
	txID := a.bus.ReadHolding(byte(a.UnitAddress), startReg, count)
	a.pending[txID] = struct{}{}
}

func (a *Agent) submitReadInput(startReg, count uint16) {
	txID := a.bus.ReadInput(byte(a.UnitAddress), startReg, count)
	a.pending[txID] = struct{}{}
}

func (a *Agent) submitWriteSingle(reg, value uint16) {
	txID := a.bus.WriteSingle(byte(a.UnitAddress), reg, value)
	a.pending[txID] = struct{}{}
}

// ---- Public operations ----

// Init sets clock, writes current config, requests device info, enables
// sampling, commands non-volatile save, and requests status. Called once
// after registration.
func (a *Agent) Init() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.setClock()
	a.setConfig(a.config)
	a.requestDeviceInfo()
	a.samplingEnabled = true
	a.storeSettingsToFlash()
	a.requestStatus()
}

// SetSamplingEnabled latches the desired acquisition state; the next
// RequestStatus transmits StartAcquisition or StopAcquisition accordingly.
func (a *Agent) SetSamplingEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samplingEnabled = enabled
}

// RequestStatus re-asserts the latched acquisition state and reads status,
// error, and physical-unit registers.
func (a *Agent) RequestStatus() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.requestStatus()
}

func (a *Agent) requestStatus() {
	if a.samplingEnabled {
		a.submitWriteSingle(regCommand, cmdStartAcq)
	} else {
		a.submitWriteSingle(regCommand, cmdStopAcq)
	}
	a.submitReadInput(regStatus, 1)
	a.submitReadInput(regError, 1)
	a.submitReadInput(regPhysicalUnitStart, physicalUnitWords)
}

// RequestArchiveDataset reads the archive block I0513..I0544.
func (a *Agent) RequestArchiveDataset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.submitReadInput(regArchiveStart, archiveWords)
}

// RequestNextArchive advances the instrument's archive read pointer.
func (a *Agent) RequestNextArchive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.submitWriteSingle(regCommand, cmdNextArchive)
}

// RequestConfig reads holdings H0002..H0005.
func (a *Agent) RequestConfig() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.submitReadHolding(regOutputFormat, 4)
}

// SetConfig writes holdings H0002..H0005.
func (a *Agent) SetConfig(cfg ConfigData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.setConfig(cfg)
}

func (a *Agent) setConfig(cfg ConfigData) {
	a.submitWriteSingle(regOutputFormat, packOutputFormat(cfg.OutputFormat, cfg.AddupCount))
	a.submitWriteSingle(regFirstRinsingSec, cfg.FirstRinsingSec)
	a.submitWriteSingle(regSubsequentRinsingSec, cfg.SubsequentRinsingSec)
	a.submitWriteSingle(regSamplingSec, cfg.SamplingSec)
	a.config = cfg
	a.markDirty()
}

// RequestClock reads holdings H0017..H0022.
func (a *Agent) RequestClock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.submitReadHolding(regClockStart, 6)
}

// SetClock writes the current UTC wall time to H0017..H0022 and terminates
// with command 1 (SetClock).
func (a *Agent) SetClock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.setClock()
}

func (a *Agent) setClock() {
	words := encodeClockWords(time.Now())
	for i, w := range words {
		a.submitWriteSingle(regClockStart+uint16(i), w)
	}
	a.submitWriteSingle(regCommand, cmdSetClock)
}

// StoreSettingsToFlash commands the instrument to persist its acquisition
// settings to non-volatile memory.
func (a *Agent) StoreSettingsToFlash() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canContactBus() {
		return
	}
	a.storeSettingsToFlash()
}

func (a *Agent) storeSettingsToFlash() {
	a.submitWriteSingle(regCommand, cmdSaveAcquisitionNV)
}

func (a *Agent) requestDeviceInfo() {
	a.submitReadInput(regDeviceInfoStart, deviceInfoWords)
	a.submitReadInput(regDeviceIDStart, deviceIDWords)
	a.submitReadInput(regRegistersetVer, 1)
}

// ---- Transaction tracking ----

// ClaimTransaction reports whether this agent owns txID; when removeOnHit
// is true and it does, the id is removed from pendingTransactions.
func (a *Agent) ClaimTransaction(txID uint64, removeOnHit bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[txID]
	if ok && removeOnHit {
		delete(a.pending, txID)
	}
	return ok
}

// PendingCount returns the number of outstanding transactions.
func (a *Agent) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// HandleTransactionLost marks one telegram lost. A single loss is
// sufficient to declare the instrument offline.
func (a *Agent) HandleTransactionLost() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lostTelegrams++
	if a.online {
		a.online = false
		a.raiseNotOnline()
	}
}

// ---- Response reassembly ----

// HandleHoldingRead processes a holding-register read response.
func (a *Agent) HandleHoldingRead(startReg uint16, words []uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markOnline()

	switch startReg {
	case regOutputFormat:
		if len(words) < 4 {
			return
		}
		format, addup := unpackOutputFormat(words[0])
		a.config = ConfigData{
			OutputFormat:         format,
			AddupCount:           addup,
			FirstRinsingSec:      words[1],
			SubsequentRinsingSec: words[2],
			SamplingSec:          words[3],
			Valid:                true,
		}
	case regClockStart:
		if len(words) < 6 {
			return
		}
		_ = decodeClockWords(words[0:6]) // read-back only; not separately stored
	}
}

// HandleInputRead processes an input-register read response, dispatching
// on the start register of the range it belongs to.
func (a *Agent) HandleInputRead(startReg uint16, words []uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markOnline()

	switch startReg {
	case regDeviceInfoStart:
		if len(words) < deviceInfoWords {
			return
		}
		a.deviceInfo.InfoStr = decodeRegisterString(words[:deviceInfoWords])
	case regDeviceIDStart:
		if len(words) < deviceIDWords {
			return
		}
		a.deviceInfo.IDStr = decodeRegisterString(words[:deviceIDWords])
	case regRegistersetVer:
		if len(words) < 1 {
			return
		}
		a.deviceInfo.RegistersetVersion = decodeRegistersetVersion(words[0])
	case regStatus:
		if len(words) < 1 {
			return
		}
		a.statusRegister = decodeStatus(words[0])
	case regError:
		if len(words) < 1 {
			return
		}
		a.updateErrorRegister(decodeError(words[0]))
	case regPhysicalUnitStart:
		if len(words) < physicalUnitWords {
			return
		}
		a.physicalUnit = decodeRegisterString(words[:physicalUnitWords])
	case regLiveStart:
		if len(words) < liveWords {
			return
		}
		a.liveData = decodeLiveWords(words[:liveWords])
		if a.sink != nil {
			a.sink.OnActualData(a.ID, a.Room, a.liveData)
		}
	case regArchiveStart:
		if len(words) < archiveWords {
			return
		}
		archive := decodeArchiveWords(words[:archiveWords])
		if !isArchiveSentinel(archive) && a.sink != nil {
			a.sink.OnArchiveData(a.ID, a.Room, archive)
		}
	}
}

// markOnline handles the online-transition edge-trigger rule: any
// successfully parsed response marks the agent online and updates
// lastSeen; returning online after a loss took the agent offline clears
// the "Not online" entry raised then. The first parse after construction
// has no such entry, so it clears nothing. Caller must hold mu.
func (a *Agent) markOnline() {
	wasSeen := a.lastSeen != nil
	now := time.Now()
	a.lastSeen = &now
	if !a.online {
		a.online = true
		if wasSeen {
			a.clearNotOnline()
		}
	}
}

func (a *Agent) updateErrorRegister(reg ErrorRegister) {
	wasError := a.errorRegister.NonZero()
	a.errorRegister = reg
	isError := reg.NonZero()
	switch {
	case isError && !wasError:
		a.statusString = "problem"
		if a.eventLog != nil {
			a.eventLog.Raise(a.ID, "status_error", "Status error present")
		}
	case !isError && wasError:
		a.statusString = "healthy"
		if a.eventLog != nil {
			a.eventLog.Clear(a.ID, "status_error")
		}
	}
}

func (a *Agent) raiseNotOnline() {
	if a.eventLog != nil {
		a.eventLog.Raise(a.ID, "not_online", "Not online")
	}
}

func (a *Agent) clearNotOnline() {
	if a.eventLog != nil {
		a.eventLog.Clear(a.ID, "not_online")
	}
}

// markDirty records the dirty field and, if autosave is enabled,
// persists immediately. Caller must hold mu. The snapshot line is built
// here, under the lock we already have; saveFunc itself must do pure
// I/O against that line and never call back into the Agent, since mu is
// not reentrant.
func (a *Agent) markDirty() {
	a.dirty = true
	if !a.autosave || a.saveFunc == nil {
		return
	}
	line := a.persistLine()
	if err := a.saveFunc(a.ID, line); err != nil {
		if a.log != nil {
			a.log.Error("autosave failed", "instrument", a.ID, "error", err)
		}
		return
	}
	a.dirty = false
}
