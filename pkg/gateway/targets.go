package gateway

import (
	"github.com/morezero/smartspace/pkg/application"
	"github.com/morezero/smartspace/pkg/dispatcher"
	"github.com/morezero/smartspace/pkg/drivers"
	"github.com/morezero/smartspace/pkg/messages"
)

// Resolver finds the local dispatch target of a call.
type Resolver interface {
	Target(call *messages.ServiceCall) (dispatcher.Target, bool)
}

// LocalTargets resolves calls against the deployed drivers first and the deployed
// applications second. Applications are addressed by instance id.
type LocalTargets struct {
	Drivers *drivers.Registry
	Apps    *application.Manager
}

// Target implements Resolver.
func (t *LocalTargets) Target(call *messages.ServiceCall) (dispatcher.Target, bool) {
	if call == nil {
		return nil, false
	}
	if t.Drivers != nil {
		if target, ok := t.Drivers.Target(call.Driver, call.InstanceID); ok {
			return target, true
		}
	}
	if t.Apps != nil && call.InstanceID != "" {
		if app, ok := t.Apps.Target(call.InstanceID); ok {
			return app, true
		}
	}
	return nil, false
}
