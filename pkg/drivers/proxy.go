package drivers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/smartspace/pkg/dispatcher"
	"github.com/morezero/smartspace/pkg/messages"
)

const proxyLogPrefix = "drivers:proxy"

// Caller performs service calls on remote devices.
type Caller interface {
	CallService(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error)
}

// ProxyDriver stands in for a driver hosted on another device: every call it
// receives is relayed to that device unchanged.
type ProxyDriver struct {
	driver string
	device *messages.Device
	caller Caller
}

// NewProxyDriver creates a proxy for driver on device.
func NewProxyDriver(driver string, device *messages.Device, caller Caller) *ProxyDriver {
	return &ProxyDriver{driver: driver, device: device, caller: caller}
}

// TargetName implements dispatcher.Target.
func (p *ProxyDriver) TargetName() string {
	return fmt.Sprintf("proxy(%s@%s)", p.driver, p.device.Name)
}

// Device returns the device calls are relayed to.
func (p *ProxyDriver) Device() *messages.Device {
	return p.device
}

// ForwardServiceCall relays call to the remote device and copies its response into resp.
// A failed remote response comes back as a *dispatcher.DispatchError of the remote kind.
func (p *ProxyDriver) ForwardServiceCall(ctx context.Context, call *messages.ServiceCall, resp *messages.ServiceResponse, _ *messages.CallContext) error {
	slog.Debug(fmt.Sprintf("%s - Forwarding %s to %s on %s", proxyLogPrefix, call.Service, p.driver, p.device.Name))

	out, err := p.caller.CallService(ctx, p.device, call)
	if err != nil {
		return fmt.Errorf("%s - forwarding %s to %s: %w", proxyLogPrefix, call.Service, p.device.Name, err)
	}
	if out == nil {
		return fmt.Errorf("%s - %s returned no response for %s", proxyLogPrefix, p.device.Name, call.Service)
	}
	*resp = *out
	if out.Failed() {
		return dispatcher.FromDetail(call, out.Error)
	}
	return nil
}
