// Package config loads the particleserver INI configuration file into an
// immutable in-memory structure: configuration is read once at startup
// and passed explicitly to every constructor, never re-read at
// construction sites.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// DefaultPath is the well-known configuration file location.
const DefaultPath = "/etc/openffucontrol/particleserver/config.ini"

// DefaultTxDelay is the inter-telegram transmit delay applied to a bus
// when its config.ini entry doesn't specify one.
const DefaultTxDelay = 200 // milliseconds

// DefaultInfluxPort is used when [influxDB] omits "port".
const DefaultInfluxPort = 8086

// Config is the root configuration for the particleserver daemon.
type Config struct {
	InfluxDB InfluxDBConfig
	Logging  LoggingConfig
	Buses    []BusConfig
}

// LoggingConfig holds the optional [logging] section, with defaults
// that apply when the section or any of its keys is absent.
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// InfluxDBConfig holds the [influxDB] section: the measurement sink's
// target time-series database.
type InfluxDBConfig struct {
	Hostname        string
	Port            int
	Username        string
	Password        string
	MeasurementName string
}

// BusConfig holds one "pcmodbus<N>" entry from
// [interfacesParticleCounterModBus]. Index is N, the busIndex stored on
// every instrument assigned to this line.
type BusConfig struct {
	Index int

	// Device is the primary serial interface, opened as /dev/<Device>.
	Device string

	// RedundantDevice is the second interface of a "iface_a,iface_b" pair,
	// if present. Accepted and stored but never wired to a second
	// BusManager; see DESIGN.md for why dual-bus redundancy stops here.
	RedundantDevice string

	// TxDelayMillis is the inter-telegram delay for this line.
	TxDelayMillis int
}

// Load reads and parses the INI file at path into a Config.
//
// Returns an error if the file cannot be read or parsed, or if it declares
// no buses (a particleserver with no field buses can never acquire a
// measurement, so this is treated as a configuration error rather than a
// silently inert daemon).
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		InfluxDB: InfluxDBConfig{
			Port: DefaultInfluxPort,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}

	if sec := f.Section("logging"); sec != nil {
		if v := sec.Key("level").String(); v != "" {
			cfg.Logging.Level = v
		}
		if v := sec.Key("format").String(); v != "" {
			cfg.Logging.Format = v
		}
		if v := sec.Key("output").String(); v != "" {
			cfg.Logging.Output = v
		}
	}

	if sec := f.Section("influxDB"); sec != nil {
		cfg.InfluxDB.Hostname = sec.Key("hostname").String()
		cfg.InfluxDB.Port = sec.Key("port").MustInt(DefaultInfluxPort)
		cfg.InfluxDB.Username = sec.Key("username").String()
		cfg.InfluxDB.Password = sec.Key("password").String()
		cfg.InfluxDB.MeasurementName = sec.Key("measurementName").String()
	}

	sec := f.Section("interfacesParticleCounterModBus")
	txDelay := sec.Key("txDelay").MustInt(DefaultTxDelay)

	for _, key := range sec.Keys() {
		index, ok := busIndexFromKey(key.Name())
		if !ok {
			continue
		}

		parts := strings.SplitN(key.String(), ",", 2)
		bus := BusConfig{
			Index:         index,
			Device:        strings.TrimSpace(parts[0]),
			TxDelayMillis: txDelay,
		}
		if len(parts) == 2 {
			bus.RedundantDevice = strings.TrimSpace(parts[1])
		}
		cfg.Buses = append(cfg.Buses, bus)
	}

	if len(cfg.Buses) == 0 {
		return nil, fmt.Errorf("no pcmodbus<N> entries found in [interfacesParticleCounterModBus]")
	}

	return cfg, nil
}

// busIndexFromKey parses "pcmodbus3" into (3, true); any other key name
// returns (0, false) and is ignored (e.g. the "txDelay" key itself).
func busIndexFromKey(name string) (int, bool) {
	const prefix = "pcmodbus"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	suffix := name[len(prefix):]
	var index int
	if _, err := fmt.Sscanf(suffix, "%d", &index); err != nil {
		return 0, false
	}
	return index, true
}
