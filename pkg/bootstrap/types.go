// Package bootstrap loads the descriptor of the local device: its identity,
// the networks it listens on and the remote drivers it proxies.
package bootstrap

import (
	"github.com/morezero/smartspace/pkg/messages"
)

// DeviceConfig is the JSON device descriptor.
type DeviceConfig struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Networks    []messages.Network `json:"networks"`
	Proxies     []ProxyConfig      `json:"proxies,omitempty"`
}

// ProxyConfig declares a driver served by another device. Calls to Driver
// (and InstanceID, when set) on this device are relayed to Device.
type ProxyConfig struct {
	Driver     string `json:"driver"`
	InstanceID string `json:"instanceId,omitempty"`
	Device     string `json:"device"`
}

// Device returns the descriptor as a messages.Device.
func (c *DeviceConfig) Device() *messages.Device {
	networks := make([]messages.Network, len(c.Networks))
	copy(networks, c.Networks)
	return messages.NewDevice(c.Name, networks...)
}
