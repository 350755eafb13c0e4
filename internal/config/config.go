// Package config loads the bench configuration: instrument addresses,
// timing, and where runs are stored.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/optobench/internal/instrument"
)

// ExampleConfigPath is the example configuration checked into the repo.
const ExampleConfigPath = "config/optobench.example.json"

// Defaults for unset fields.
const (
	DefaultCurrentSourceResource = "USB0::4883::32847::M01053290::0::INSTR"
	DefaultCurrentSourceTimeout  = time.Second
	DefaultPowerMeterHost        = "192.168.1.161"
	DefaultPowerMeterPort        = 5000
	DefaultPowerMeterTimeout     = 2 * time.Second
	DefaultQuerySettle           = 10 * time.Millisecond
	DefaultZeroingSettle         = 3 * time.Second
	DefaultWavelengthNM          = 980.0
	DefaultStabilizationDelay    = 500 * time.Millisecond
	DefaultLogsDir               = "logs"
	DefaultDBPath                = "optobench.db"
	DefaultListen                = ":8080"
)

// Config is the root configuration. Every field is optional; the Get*
// methods return defaults for anything left unset.
type Config struct {
	// Current source (laser diode / TEC controller)
	CurrentSourceResource *string `json:"current_source_resource,omitempty"`
	CurrentSourceTimeout  *string `json:"current_source_timeout,omitempty"` // duration string like "1s"

	// Power meter
	PowerMeterHost        *string `json:"power_meter_host,omitempty"`
	PowerMeterPort        *int    `json:"power_meter_port,omitempty"`
	PowerMeterTimeout     *string `json:"power_meter_timeout,omitempty"`
	PowerMeterQuerySettle *string `json:"power_meter_query_settle,omitempty"`

	// Serial line settings, used when the current source is on an ASRL resource.
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty"`
	SerialDataBits *int    `json:"serial_data_bits,omitempty"`
	SerialStopBits *int    `json:"serial_stop_bits,omitempty"`
	SerialParity   *string `json:"serial_parity,omitempty"`

	// Sweep
	ZeroingSettle      *string  `json:"zeroing_settle,omitempty"`
	WavelengthNM       *float64 `json:"wavelength_nm,omitempty"`
	StabilizationDelay *string  `json:"stabilization_delay,omitempty"`
	ErrorDrainLimit    *int     `json:"error_drain_limit,omitempty"`

	// Storage and serving
	LogsDir *string `json:"logs_dir,omitempty"`
	DBPath  *string `json:"db_path,omitempty"`
	Listen  *string `json:"listen,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The path must have a .json
// extension and the file must be under 1MB. Omitted fields keep their
// defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	durations := map[string]*string{
		"current_source_timeout":   c.CurrentSourceTimeout,
		"power_meter_timeout":      c.PowerMeterTimeout,
		"power_meter_query_settle": c.PowerMeterQuerySettle,
		"zeroing_settle":           c.ZeroingSettle,
		"stabilization_delay":      c.StabilizationDelay,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.CurrentSourceResource != nil {
		if _, err := instrument.ParseResource(*c.CurrentSourceResource); err != nil {
			return fmt.Errorf("current_source_resource: %w", err)
		}
	}
	if c.PowerMeterPort != nil && (*c.PowerMeterPort <= 0 || *c.PowerMeterPort > 65535) {
		return fmt.Errorf("power_meter_port must be between 1 and 65535, got %d", *c.PowerMeterPort)
	}
	if c.WavelengthNM != nil && *c.WavelengthNM <= 0 {
		return fmt.Errorf("wavelength_nm must be positive, got %f", *c.WavelengthNM)
	}
	if c.ErrorDrainLimit != nil && *c.ErrorDrainLimit <= 0 {
		return fmt.Errorf("error_drain_limit must be positive, got %d", *c.ErrorDrainLimit)
	}
	if _, err := c.GetSerialOptions().Normalize(); err != nil {
		return fmt.Errorf("serial options: %w", err)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetCurrentSourceResource returns the VISA resource of the current source.
func (c *Config) GetCurrentSourceResource() string {
	return stringOr(c.CurrentSourceResource, DefaultCurrentSourceResource)
}

// GetCurrentSourceTimeout returns the current source I/O timeout.
func (c *Config) GetCurrentSourceTimeout() time.Duration {
	return durationOr(c.CurrentSourceTimeout, DefaultCurrentSourceTimeout)
}

// GetPowerMeterHost returns the power meter host.
func (c *Config) GetPowerMeterHost() string {
	return stringOr(c.PowerMeterHost, DefaultPowerMeterHost)
}

// GetPowerMeterPort returns the power meter TCP port.
func (c *Config) GetPowerMeterPort() int {
	if c.PowerMeterPort == nil {
		return DefaultPowerMeterPort
	}
	return *c.PowerMeterPort
}

// GetPowerMeterTimeout returns the power meter I/O timeout.
func (c *Config) GetPowerMeterTimeout() time.Duration {
	return durationOr(c.PowerMeterTimeout, DefaultPowerMeterTimeout)
}

// GetPowerMeterQuerySettle returns the delay between a power meter query
// and reading its reply.
func (c *Config) GetPowerMeterQuerySettle() time.Duration {
	return durationOr(c.PowerMeterQuerySettle, DefaultQuerySettle)
}

// GetSerialOptions returns the serial line settings. Unset fields are left
// zero for SerialOptions.Normalize to fill in.
func (c *Config) GetSerialOptions() instrument.SerialOptions {
	var o instrument.SerialOptions
	if c.SerialBaudRate != nil {
		o.BaudRate = *c.SerialBaudRate
	}
	if c.SerialDataBits != nil {
		o.DataBits = *c.SerialDataBits
	}
	if c.SerialStopBits != nil {
		o.StopBits = *c.SerialStopBits
	}
	if c.SerialParity != nil {
		o.Parity = *c.SerialParity
	}
	return o
}

// GetZeroingSettle returns how long to wait after zeroing the power meter.
func (c *Config) GetZeroingSettle() time.Duration {
	return durationOr(c.ZeroingSettle, DefaultZeroingSettle)
}

// GetWavelengthNM returns the operating wavelength.
func (c *Config) GetWavelengthNM() float64 {
	if c.WavelengthNM == nil {
		return DefaultWavelengthNM
	}
	return *c.WavelengthNM
}

// GetStabilizationDelay returns the per-step delay used when a sweep
// request does not specify one.
func (c *Config) GetStabilizationDelay() time.Duration {
	return durationOr(c.StabilizationDelay, DefaultStabilizationDelay)
}

// GetErrorDrainLimit returns the maximum number of error queue reads.
func (c *Config) GetErrorDrainLimit() int {
	if c.ErrorDrainLimit == nil {
		return instrument.DefaultDrainLimit
	}
	return *c.ErrorDrainLimit
}

// GetLogsDir returns the artifact directory.
func (c *Config) GetLogsDir() string {
	return stringOr(c.LogsDir, DefaultLogsDir)
}

// GetDBPath returns the run index database path.
func (c *Config) GetDBPath() string {
	return stringOr(c.DBPath, DefaultDBPath)
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	return stringOr(c.Listen, DefaultListen)
}
