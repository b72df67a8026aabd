// Package application runs deployable applications and exposes their operations as services.
package application

import (
	"context"

	"github.com/morezero/smartspace/pkg/events"
	"github.com/morezero/smartspace/pkg/messages"
)

// Operation is one service an application exposes. It takes the call parameters
// and returns the response data.
type Operation func(ctx context.Context, params map[string]string) (map[string]any, error)

// Application is a deployable unit managed by Manager.
type Application interface {
	// Init prepares the application under its assigned id. A failing Init aborts deployment.
	Init(ctx context.Context, id string) error
	// Start runs the application. It is launched on its own goroutine and may block
	// until ctx is cancelled.
	Start(ctx context.Context, gw Gateway)
	Stop(ctx context.Context) error
	TearDown(ctx context.Context) error
}

// OperationProvider is implemented by applications that expose services.
// The returned map is keyed by exact service name.
type OperationProvider interface {
	Operations() map[string]Operation
}

// Gateway is what an application sees of the smart space.
type Gateway interface {
	// CallService runs call on device, or on this device when device is nil.
	CallService(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error)
	RegisterForEvent(ctx context.Context, l events.Listener, device *messages.Device, driver, instanceID, eventKey string) error
	UnregisterForEvent(ctx context.Context, l events.Listener, device *messages.Device, driver, instanceID, eventKey string) error
	SendEventNotify(ctx context.Context, notify *messages.Notify, device *messages.Device) error
	CurrentDevice() *messages.Device
}
