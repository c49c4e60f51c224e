package instrument

import "time"

// Snapshot is a read-only copy of an Agent's state, used by
// internal/registry's get/set key table to format the TCP control
// surface's string responses without exposing Agent's internal locking.
type Snapshot struct {
	ID          int
	BusIndex    int
	UnitAddress int
	Room        string

	ClockSettingLostCount uint32
	Config                ConfigData
	SamplingEnabled       bool

	Online        bool
	LostTelegrams uint64
	LastSeen      *time.Time
	StatusString  string

	DeviceInfo     DeviceInfo
	PhysicalUnit   string
	StatusRegister StatusRegister
	ErrorRegister  ErrorRegister

	LiveData ActualData
}

// Snapshot returns a consistent copy of the agent's current state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:                    a.ID,
		BusIndex:              a.BusIndex,
		UnitAddress:           a.UnitAddress,
		Room:                  a.Room,
		ClockSettingLostCount: a.clockSettingLostCount,
		Config:                a.config,
		SamplingEnabled:       a.samplingEnabled,
		Online:                a.online,
		LostTelegrams:         a.lostTelegrams,
		LastSeen:              a.lastSeen,
		StatusString:          a.statusString,
		DeviceInfo:            a.deviceInfo,
		PhysicalUnit:          a.physicalUnit,
		StatusRegister:        a.statusRegister,
		ErrorRegister:         a.errorRegister,
		LiveData:              a.liveData,
	}
}

// mutateConfig applies a local config mutation and, if the bus is
// reachable, pushes the updated config to the instrument immediately
// (matching the pattern of SetConfig / Init's "writes current config"
// step). If the bus is unreachable the mutation is still applied and
// persisted locally.
func (a *Agent) mutateConfig(mutate func(*ConfigData)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.config
	mutate(&cfg)
	if a.canContactBus() {
		a.setConfig(cfg)
		return
	}
	a.config = cfg
	a.markDirty()
}

// SetOutputFormat mutates the output-format field of the instrument's
// config, via the `set --key=outputDataFormat` control-surface key.
func (a *Agent) SetOutputFormat(v OutputFormat) {
	a.mutateConfig(func(c *ConfigData) { c.OutputFormat = v })
}

// SetAddupCount mutates the addup-count field.
func (a *Agent) SetAddupCount(v uint16) {
	a.mutateConfig(func(c *ConfigData) { c.AddupCount = v })
}

// SetFirstRinsingSec mutates the first-rinsing-time field.
func (a *Agent) SetFirstRinsingSec(v uint16) {
	a.mutateConfig(func(c *ConfigData) { c.FirstRinsingSec = v })
}

// SetSubsequentRinsingSec mutates the subsequent-rinsing-time field.
func (a *Agent) SetSubsequentRinsingSec(v uint16) {
	a.mutateConfig(func(c *ConfigData) { c.SubsequentRinsingSec = v })
}

// SetSamplingSec mutates the sampling-time field.
func (a *Agent) SetSamplingSec(v uint16) {
	a.mutateConfig(func(c *ConfigData) { c.SamplingSec = v })
}

// SetRoom sets the operator-assigned `room` field used to populate the
// measurement sink's tag_room.
func (a *Agent) SetRoom(room string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Room = room
	a.markDirty()
}

// SetBusIndex reassigns which configured bus this instrument is polled
// over. Does not move any in-flight transaction.
func (a *Agent) SetBusIndex(busIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.BusIndex = busIndex
	a.bus = nil
	a.markDirty()
}

// SetUnitAddress reassigns the instrument's unit address on its bus.
func (a *Agent) SetUnitAddress(unitAddress int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.UnitAddress = unitAddress
	a.markDirty()
}
