package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/smartspace/pkg/messages"
)

const listenerLogPrefix = "events:listener"

// Listener receives event notifications. Implementations must be comparable
// (normally pointer types): registrations are matched by listener identity.
type Listener interface {
	HandleEvent(ctx context.Context, notify *messages.Notify)
}

// CallbackListener is a Listener that calls a function.
type CallbackListener struct {
	callback func(ctx context.Context, notify *messages.Notify)
}

// NewCallbackListener creates a new CallbackListener. Each call returns a distinct listener.
func NewCallbackListener(cb func(ctx context.Context, notify *messages.Notify)) *CallbackListener {
	return &CallbackListener{callback: cb}
}

// HandleEvent calls the callback.
func (l *CallbackListener) HandleEvent(ctx context.Context, notify *messages.Notify) {
	l.callback(ctx, notify)
}

// RemoteListener forwards notifications to the device that subscribed to them.
type RemoteListener struct {
	device *messages.Device
	engine RemoteEngine
}

// Device returns the subscribed device.
func (l *RemoteListener) Device() *messages.Device {
	return l.device
}

// HandleEvent sends notify to the subscribed device.
func (l *RemoteListener) HandleEvent(ctx context.Context, notify *messages.Notify) {
	if err := l.engine.NotifyEvent(ctx, notify, l.device); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to forward %s to %s: %v", listenerLogPrefix, notify.EventKey, l.device.Name, err))
	}
}
