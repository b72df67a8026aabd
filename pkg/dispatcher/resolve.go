package dispatcher

import (
	"context"
	"fmt"

	"github.com/morezero/smartspace/pkg/messages"
)

// ForwardServiceName is the operation every service resolves to on a proxy target.
const ForwardServiceName = "forwardServiceCall"

// Resolve finds the function to run for service on target.
//
// Proxy targets always resolve to their forwarding operation. Driver targets are
// looked up case-insensitively in their service table. Application targets resolve
// to an adapter around InvokeService; a failed application response surfaces as a
// *DispatchError from the adapter.
func Resolve(target Target, service string) (ServiceFunc, error) {
	switch t := target.(type) {
	case ProxyTarget:
		return t.ForwardServiceCall, nil
	case DriverTarget:
		if fn, ok := t.Services().Lookup(service); ok {
			return fn, nil
		}
		return nil, fmt.Errorf("no service %q on %s", service, t.TargetName())
	case ApplicationTarget:
		return applicationService(t), nil
	}
	return nil, fmt.Errorf("target %T exposes no services", target)
}

func applicationService(app ApplicationTarget) ServiceFunc {
	return func(ctx context.Context, call *messages.ServiceCall, resp *messages.ServiceResponse, _ *messages.CallContext) error {
		out := app.InvokeService(ctx, call)
		if out == nil {
			return fmt.Errorf("application %s returned no response", app.TargetName())
		}
		*resp = *out
		if !out.Failed() {
			return nil
		}
		return FromDetail(call, out.Error)
	}
}
