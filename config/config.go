package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sergev/mmc/profiles"
	"gopkg.in/yaml.v3"
)

//go:embed mmctool.toml
var defaultConfigData []byte

// Transport kinds
const (
	TransportSim    = "sim"
	TransportSerial = "serial"
	TransportUSB    = "usb"
	TransportSPI    = "spi"
)

// Global state for the selected host
var (
	Path    string // configuration file in use
	Current Host   // selected host
)

// Config represents the entire configuration file.
type Config struct {
	Default string `toml:"default" yaml:"default"`
	Host    []Host `toml:"host" yaml:"host"`
}

// Host describes one host controller and the card behind it.
type Host struct {
	Name      string `toml:"name" yaml:"name"`
	Transport string `toml:"transport" yaml:"transport"`

	// serial, spi
	Port string `toml:"port" yaml:"port"`
	Baud int    `toml:"baud" yaml:"baud"`

	// serial, usb
	VID int `toml:"vid" yaml:"vid"`
	PID int `toml:"pid" yaml:"pid"`

	// spi
	CSPin    string `toml:"cs_pin" yaml:"cs_pin"`
	SpeedKHz int    `toml:"speed_khz" yaml:"speed_khz"`

	// sim
	Profile string `toml:"profile" yaml:"profile"`
	SPI     bool   `toml:"spi" yaml:"spi"`

	WaitWhileBusy bool `toml:"wait_while_busy" yaml:"wait_while_busy"`
	VendorTrim    bool `toml:"vendor_trim" yaml:"vendor_trim"`
	RCA           int  `toml:"rca" yaml:"rca"`
	Retries       *int `toml:"retries" yaml:"retries"`
}

// configPath determines the config file path based on the operating system
func configPath() (string, error) {
	var configDir string
	var err error

	switch runtime.GOOS {
	case "windows":
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "mmctool")
	default:
		configDir, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home directory: %w", err)
		}
	}

	return filepath.Join(configDir, ".mmctool"), nil
}

// Load parses a configuration file. Files ending in .yaml or .yml are read
// as YAML, anything else as TOML. Unknown keys are rejected in both.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var conf Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&conf); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config at %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(content), &conf)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML config at %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %q in config at %s", undecoded[0].String(), path)
		}
	}
	return &conf, nil
}

// Select finds a host by name, or the default host when name is empty,
// and validates it.
func (c *Config) Select(name string) (*Host, error) {
	if name == "" {
		if c.Default == "" {
			return nil, errors.New("`default` key is missing or empty in config")
		}
		name = c.Default
	}

	for i := range c.Host {
		if c.Host[i].Name == name {
			h := &c.Host[i]
			if err := h.Validate(); err != nil {
				return nil, err
			}
			return h, nil
		}
	}
	return nil, fmt.Errorf("host %q not found in host array", name)
}

// Validate checks the fields required by the host's transport.
func (h *Host) Validate() error {
	switch h.Transport {
	case TransportSim:
		if !slices.Contains(profiles.Names(), h.Profile) {
			return fmt.Errorf("host %q has unknown profile %q (have %s)",
				h.Name, h.Profile, strings.Join(profiles.Names(), ", "))
		}
	case TransportSerial:
		if h.Port == "" && (h.VID == 0 || h.PID == 0) {
			return fmt.Errorf("host %q needs a port or vid and pid", h.Name)
		}
	case TransportUSB:
		if h.VID == 0 || h.PID == 0 {
			return fmt.Errorf("host %q needs vid and pid", h.Name)
		}
	case TransportSPI:
		if h.Port == "" || h.CSPin == "" {
			return fmt.Errorf("host %q needs port and cs_pin", h.Name)
		}
	default:
		return fmt.Errorf("host %q has unknown transport %q", h.Name, h.Transport)
	}

	if h.VID < 0 || h.VID > 0xFFFF || h.PID < 0 || h.PID > 0xFFFF {
		return fmt.Errorf("host %q has invalid vid/pid %#x/%#x", h.Name, h.VID, h.PID)
	}
	if h.SpeedKHz < 0 {
		return fmt.Errorf("host %q has invalid speed_khz: %d (must be positive)", h.Name, h.SpeedKHz)
	}
	if h.RCA < 0 || h.RCA > 0xFFFF {
		return fmt.Errorf("host %q has invalid rca: %d", h.Name, h.RCA)
	}
	if h.Retries != nil && *h.Retries < 0 {
		return fmt.Errorf("host %q has invalid retries: %d (must not be negative)", h.Name, *h.Retries)
	}
	return nil
}

// Initialize loads the configuration and selects a host.
// With an empty path the per-user file is used, created from the
// embedded default if it doesn't exist.
func Initialize(path, hostName string) error {
	if path == "" {
		var err error
		path, err = configPath()
		if err != nil {
			return err
		}
		if err := writeDefault(path); err != nil {
			return err
		}
	}

	conf, err := Load(path)
	if err != nil {
		return err
	}
	h, err := conf.Select(hostName)
	if err != nil {
		return err
	}

	Path = path
	Current = *h
	return nil
}

// writeDefault creates the config file from the embedded default.
func writeDefault(path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return nil
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	if err := os.WriteFile(path, defaultConfigData, 0644); err != nil {
		return fmt.Errorf("failed to create default config file at %s: %w", path, err)
	}
	return nil
}
