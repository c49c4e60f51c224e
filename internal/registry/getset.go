package registry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
)

// liveKeys is the sentinel "actual" key's expansion into its constituent
// live fields, plus the actualData=1 marker GetMulti adds alongside them.
var liveKeys = []string{
	"online", "lostTelegrams", "lastSeen", "clockSettingLostCount",
	"statusString",
	"countChannel_1", "countChannel_2", "countChannel_3", "countChannel_4",
	"countChannel_5", "countChannel_6", "countChannel_7", "countChannel_8",
	"timestamp",
}

// fieldGetters formats one Snapshot field for the TCP control surface's
// string-typed get/set surface. Every readable field has exactly one
// entry here, shared by Get and GetMulti.
var fieldGetters = map[string]func(instrument.Snapshot) string{
	"id":                             func(s instrument.Snapshot) string { return strconv.Itoa(s.ID) },
	"bus":                            func(s instrument.Snapshot) string { return strconv.Itoa(s.BusIndex) },
	"modbusAddress":                  func(s instrument.Snapshot) string { return strconv.Itoa(s.UnitAddress) },
	"room":                           func(s instrument.Snapshot) string { return s.Room },
	"clockSettingLostCount":          func(s instrument.Snapshot) string { return strconv.FormatUint(uint64(s.ClockSettingLostCount), 10) },
	"outputDataFormat":               func(s instrument.Snapshot) string { return strconv.Itoa(int(s.Config.OutputFormat)) },
	"addupCount":                     func(s instrument.Snapshot) string { return strconv.FormatUint(uint64(s.Config.AddupCount), 10) },
	"firstRinsingTimeInSeconds":      func(s instrument.Snapshot) string { return strconv.FormatUint(uint64(s.Config.FirstRinsingSec), 10) },
	"subsequentRinsingTimeInSeconds": func(s instrument.Snapshot) string { return strconv.FormatUint(uint64(s.Config.SubsequentRinsingSec), 10) },
	"samplingTimeInSeconds":          func(s instrument.Snapshot) string { return strconv.FormatUint(uint64(s.Config.SamplingSec), 10) },
	"samplingEnabled":                func(s instrument.Snapshot) string { return strconv.FormatBool(s.SamplingEnabled) },
	"online":                         func(s instrument.Snapshot) string { return strconv.FormatBool(s.Online) },
	"lostTelegrams":                  func(s instrument.Snapshot) string { return strconv.FormatUint(s.LostTelegrams, 10) },
	"statusString":                   func(s instrument.Snapshot) string { return s.StatusString },
	"lastSeen": func(s instrument.Snapshot) string {
		if s.LastSeen == nil {
			return ""
		}
		return s.LastSeen.UTC().Format(time.RFC3339)
	},
	"timestamp": func(s instrument.Snapshot) string {
		return s.LiveData.Timestamp.UTC().Format(time.RFC3339)
	},
}

func init() {
	for i := 0; i < 8; i++ {
		channel := i
		fieldGetters[fmt.Sprintf("countChannel_%d", channel+1)] = func(s instrument.Snapshot) string {
			return strconv.FormatUint(uint64(s.LiveData.Channels[channel].Count), 10)
		}
	}
}

// fieldSetters mutates a field through the Agent. Only identity/config
// fields are writable; runtime fields (online, lastSeen, ...) are
// read-only and absent here.
var fieldSetters = map[string]func(*instrument.Agent, string) error{
	"bus": func(a *instrument.Agent, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		a.SetBusIndex(n)
		return nil
	},
	"modbusAddress": func(a *instrument.Agent, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		a.SetUnitAddress(n)
		return nil
	},
	"room": func(a *instrument.Agent, v string) error {
		a.SetRoom(v)
		return nil
	},
	"outputDataFormat": func(a *instrument.Agent, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		a.SetOutputFormat(instrument.OutputFormat(n))
		return nil
	},
	"addupCount": func(a *instrument.Agent, v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		a.SetAddupCount(uint16(n))
		return nil
	},
	"firstRinsingTimeInSeconds": func(a *instrument.Agent, v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		a.SetFirstRinsingSec(uint16(n))
		return nil
	},
	"subsequentRinsingTimeInSeconds": func(a *instrument.Agent, v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		a.SetSubsequentRinsingSec(uint16(n))
		return nil
	},
	"samplingTimeInSeconds": func(a *instrument.Agent, v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return err
		}
		a.SetSamplingSec(uint16(n))
		return nil
	},
	"samplingEnabled": func(a *instrument.Agent, v string) error {
		a.SetSamplingEnabled(v == "true")
		return nil
	},
}

// Get reads a single key for instrument id.
func (r *Registry) Get(id int, key string) (string, error) {
	snap, ok := r.snapshot(id)
	if !ok {
		return "", fmt.Errorf("%w: instrument id %d", ErrInstrumentNotFound, id)
	}
	getter, ok := fieldGetters[key]
	if !ok {
		return "", errKeyNotAvailable(key)
	}
	return getter(snap), nil
}

// GetMulti reads a set of keys, expanding the sentinel "actual" key to
// the full live key set and adding the actualData=1 marker.
func (r *Registry) GetMulti(id int, keys []string) (map[string]string, error) {
	snap, ok := r.snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: instrument id %d", ErrInstrumentNotFound, id)
	}

	out := make(map[string]string)
	for _, key := range keys {
		if key == "actual" {
			for _, lk := range liveKeys {
				out[lk] = fieldGetters[lk](snap)
			}
			out["actualData"] = "1"
			continue
		}
		getter, ok := fieldGetters[key]
		if !ok {
			out[key] = errKeyNotAvailable(key).Error()
			continue
		}
		out[key] = getter(snap)
	}
	return out, nil
}

// Set mutates one key on instrument id.
func (r *Registry) Set(id int, key, value string) error {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: instrument id %d", ErrInstrumentNotFound, id)
	}
	setter, ok := fieldSetters[key]
	if !ok {
		return errKeyNotAvailable(key)
	}
	return setter(a, value)
}

func (r *Registry) snapshot(id int) (instrument.Snapshot, bool) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return instrument.Snapshot{}, false
	}
	return a.Snapshot(), true
}
