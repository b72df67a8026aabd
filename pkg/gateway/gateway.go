// Package gateway is the facade applications use to reach services and events,
// on this device or on others.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/smartspace/pkg/application"
	"github.com/morezero/smartspace/pkg/dispatcher"
	"github.com/morezero/smartspace/pkg/drivers"
	"github.com/morezero/smartspace/pkg/events"
	"github.com/morezero/smartspace/pkg/messages"
)

const logPrefix = "gateway:gateway"

// Opts wires a Gateway.
type Opts struct {
	Self       *messages.Device
	Dispatcher *dispatcher.Dispatcher
	Resolver   Resolver
	// Remote carries calls addressed to other devices. Remote calls fail when nil.
	Remote drivers.Caller
	Router *events.Router
}

// Gateway implements application.Gateway.
type Gateway struct {
	self     *messages.Device
	disp     *dispatcher.Dispatcher
	resolver Resolver
	remote   drivers.Caller
	router   *events.Router
}

var _ application.Gateway = (*Gateway)(nil)

// New creates a Gateway. Self, Dispatcher, Resolver and Router are required.
func New(opts Opts) (*Gateway, error) {
	switch {
	case opts.Self == nil:
		return nil, fmt.Errorf("%s - local device is required", logPrefix)
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("%s - dispatcher is required", logPrefix)
	case opts.Resolver == nil:
		return nil, fmt.Errorf("%s - resolver is required", logPrefix)
	case opts.Router == nil:
		return nil, fmt.Errorf("%s - event router is required", logPrefix)
	}
	return &Gateway{
		self:     opts.Self,
		disp:     opts.Dispatcher,
		resolver: opts.Resolver,
		remote:   opts.Remote,
		router:   opts.Router,
	}, nil
}

// CallService runs call on device. A nil device, or the local device, dispatches locally
// with this device as the caller. A failed local dispatch returns the response carrying
// the error together with the *dispatcher.DispatchError.
func (g *Gateway) CallService(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error) {
	if g.isLocal(device) {
		return g.Dispatch(ctx, call, g.self)
	}
	if g.remote == nil {
		return nil, fmt.Errorf("%s - no remote engine for call to %s", logPrefix, device.Name)
	}
	slog.Debug(fmt.Sprintf("%s - Calling %s.%s on %s", logPrefix, call.Driver, call.Service, device.Name))
	return g.remote.CallService(ctx, device, call)
}

// Dispatch resolves call against the local targets and runs it on behalf of caller.
func (g *Gateway) Dispatch(ctx context.Context, call *messages.ServiceCall, caller *messages.Device) (*messages.ServiceResponse, error) {
	var target dispatcher.Target
	if t, ok := g.resolver.Target(call); ok {
		target = t
	}
	return g.disp.Dispatch(ctx, call, target, messages.NewCallContext(caller))
}

// RegisterForEvent registers l for events of driver/instanceID/eventKey on device.
func (g *Gateway) RegisterForEvent(ctx context.Context, l events.Listener, device *messages.Device, driver, instanceID, eventKey string) error {
	return g.router.Register(ctx, l, g.remoteOrNil(device), driver, instanceID, eventKey)
}

// UnregisterForEvent removes a registration made with RegisterForEvent.
func (g *Gateway) UnregisterForEvent(ctx context.Context, l events.Listener, device *messages.Device, driver, instanceID, eventKey string) error {
	return g.router.Unregister(ctx, l, g.remoteOrNil(device), driver, instanceID, eventKey)
}

// SendEventNotify delivers notify to the listeners on device, or locally when device is nil.
func (g *Gateway) SendEventNotify(ctx context.Context, notify *messages.Notify, device *messages.Device) error {
	return g.router.Notify(ctx, notify, g.remoteOrNil(device))
}

// CurrentDevice returns the local device.
func (g *Gateway) CurrentDevice() *messages.Device {
	return g.self
}

func (g *Gateway) isLocal(device *messages.Device) bool {
	return device == nil || messages.SameDevice(device, g.self)
}

// remoteOrNil maps the local device to nil so the router treats it as local.
func (g *Gateway) remoteOrNil(device *messages.Device) *messages.Device {
	if g.isLocal(device) {
		return nil
	}
	return device
}
