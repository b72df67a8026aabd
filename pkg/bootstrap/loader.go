package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/morezero/smartspace/pkg/messages"
)

const logPrefix = "bootstrap:loader"

// LoadDeviceConfig loads the device descriptor from the first readable file.
// It tries paths in order: first any paths passed in, then the defaults config/device.json
// and device.json. When no file parses, the default descriptor for fallbackName is returned.
func LoadDeviceConfig(fallbackName string, paths ...string) (*DeviceConfig, error) {
	all := make([]string, 0, len(paths)+2)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	all = append(all, "config/device.json", "device.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg DeviceConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse device file %s: %v", logPrefix, p, err))
			continue
		}
		if cfg.Name == "" {
			cfg.Name = fallbackName
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s - invalid device file %s: %w", logPrefix, p, err)
		}

		slog.Info(fmt.Sprintf("%s - Loaded device %s from %s", logPrefix, cfg.Name, p))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default device config for %s", logPrefix, fallbackName))
	cfg := GetDefaultDeviceConfig(fallbackName)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return cfg, nil
}

// GetDefaultDeviceConfig returns a descriptor with no networks and no proxies.
// Such a device can serve discrete calls but cannot be the caller of stream calls.
func GetDefaultDeviceConfig(name string) *DeviceConfig {
	return &DeviceConfig{
		Name:        name,
		Description: "Default device descriptor",
	}
}

// Validate checks the descriptor is usable.
func (c *DeviceConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("device name is required"))
	}
	for i, n := range c.Networks {
		if n.Type == "" || n.Address == "" {
			errs = append(errs, fmt.Errorf("network %d needs a type and an address", i))
		}
	}
	seen := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		if p.Driver == "" || p.Device == "" {
			errs = append(errs, fmt.Errorf("proxy %d needs a driver and a device", i))
			continue
		}
		if p.Device == c.Name {
			errs = append(errs, fmt.Errorf("proxy %d for %s points at the local device", i, p.Driver))
		}
		key := p.Driver + "/" + p.InstanceID
		if seen[key] {
			errs = append(errs, fmt.Errorf("proxy %d duplicates %s", i, key))
		}
		seen[key] = true
	}
	return errors.Join(errs...)
}

// MergeDeviceConfigs merges an override config into a base config.
// Non-empty scalar fields replace the base; networks and proxies are appended.
func MergeDeviceConfigs(base, override *DeviceConfig) *DeviceConfig {
	merged := *base
	merged.Networks = append(append([]messages.Network(nil), base.Networks...), override.Networks...)
	merged.Proxies = append(append([]ProxyConfig(nil), base.Proxies...), override.Proxies...)

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	return &merged
}
