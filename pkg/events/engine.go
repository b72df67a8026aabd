package events

import (
	"context"

	"github.com/morezero/smartspace/pkg/messages"
)

// Reserved service names a device handles to manage remote listeners.
const (
	RegisterListenerService   = "registerListener"
	UnregisterListenerService = "unregisterListener"
	// EventKeyParam carries the event key on register/unregister calls.
	EventKeyParam = "eventKey"
)

// RemoteEngine is the message engine the router uses to reach other devices.
type RemoteEngine interface {
	CallService(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error)
	NotifyEvent(ctx context.Context, notify *messages.Notify, device *messages.Device) error
}

// NoOpEngine is a RemoteEngine that reaches nobody (for a device running without a transport).
type NoOpEngine struct{}

// CallService returns an empty response.
func (NoOpEngine) CallService(_ context.Context, _ *messages.Device, _ *messages.ServiceCall) (*messages.ServiceResponse, error) {
	return messages.NewServiceResponse(), nil
}

// NotifyEvent is a no-op.
func (NoOpEngine) NotifyEvent(_ context.Context, _ *messages.Notify, _ *messages.Device) error {
	return nil
}

// CallbackEngine is a RemoteEngine backed by functions (for testing). Nil functions behave like NoOpEngine.
type CallbackEngine struct {
	OnCall   func(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error)
	OnNotify func(ctx context.Context, notify *messages.Notify, device *messages.Device) error
}

// CallService calls OnCall.
func (e *CallbackEngine) CallService(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error) {
	if e.OnCall == nil {
		return messages.NewServiceResponse(), nil
	}
	return e.OnCall(ctx, device, call)
}

// NotifyEvent calls OnNotify.
func (e *CallbackEngine) NotifyEvent(ctx context.Context, notify *messages.Notify, device *messages.Device) error {
	if e.OnNotify == nil {
		return nil
	}
	return e.OnNotify(ctx, notify, device)
}
