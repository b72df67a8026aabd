package messages

import (
	"errors"
	"io"
	"strings"
)

// Network is one address at which a device can be reached.
type Network struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// Device identifies a device endpoint. A nil *Device means the local device.
type Device struct {
	Name     string    `json:"name"`
	Networks []Network `json:"networks,omitempty"`
}

// NewDevice creates a device with the given name and networks.
func NewDevice(name string, networks ...Network) *Device {
	return &Device{Name: name, Networks: networks}
}

// NetworkFor returns the network matching channelType (case-insensitive), else the first one.
func (d *Device) NetworkFor(channelType string) (Network, bool) {
	if d == nil || len(d.Networks) == 0 {
		return Network{}, false
	}
	for _, n := range d.Networks {
		if strings.EqualFold(n.Type, channelType) {
			return n, true
		}
	}
	return d.Networks[0], true
}

// SameDevice reports whether a and b name the same device. Two nil devices are the same.
func SameDevice(a, b *Device) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Name == b.Name
}

// CallContext is the per-call execution environment handed to services.
// It is owned by a single dispatch and never shared across calls.
type CallContext struct {
	Caller   *Device
	Channels []io.ReadWriteCloser
}

// NewCallContext creates a context for a call coming from caller (nil for local calls).
func NewCallContext(caller *Device) *CallContext {
	return &CallContext{Caller: caller}
}

// AddChannel appends an attached data channel.
func (c *CallContext) AddChannel(ch io.ReadWriteCloser) {
	c.Channels = append(c.Channels, ch)
}

// Channel returns the i-th attached channel, or nil when out of range.
func (c *CallContext) Channel(i int) io.ReadWriteCloser {
	if i < 0 || i >= len(c.Channels) {
		return nil
	}
	return c.Channels[i]
}

// CloseChannels closes and detaches every attached channel.
func (c *CallContext) CloseChannels() error {
	var errs []error
	for _, ch := range c.Channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.Channels = nil
	return errors.Join(errs...)
}
