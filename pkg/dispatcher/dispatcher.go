// Package dispatcher resolves service calls to driver, proxy and application targets,
// negotiates stream channels and invokes the resolved service.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/morezero/smartspace/pkg/messages"
	"github.com/morezero/smartspace/pkg/metrics"
)

const logPrefix = "dispatcher:dispatch"

// Options configures a Dispatcher.
type Options struct {
	// Connections opens stream channels. Stream calls fail with NETWORK_FAILURE when nil.
	Connections ConnectionManager
	// ConnectTimeout bounds each channel connect (DefaultConnectTimeout when zero).
	ConnectTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Dispatcher routes service calls to their targets.
type Dispatcher struct {
	negotiator *Negotiator
	metrics    *metrics.Metrics
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	return &Dispatcher{
		negotiator: NewNegotiator(opts.Connections, opts.ConnectTimeout, opts.Metrics),
		metrics:    opts.Metrics,
	}
}

// Dispatch runs call on target.
//
// The returned response is never nil. When the dispatch fails its Error field is set
// and the returned error is a *DispatchError carrying the failure kind, the call
// identity and the cause. Channels attached to cc are closed on any failure after
// negotiation started; on success they belong to the invoked service.
func (d *Dispatcher) Dispatch(ctx context.Context, call *messages.ServiceCall, target Target, cc *messages.CallContext) (*messages.ServiceResponse, error) {
	start := time.Now()
	kind := "none"
	if target != nil {
		kind = targetKind(target)
	}

	resp, err := d.dispatch(ctx, call, target, cc)
	outcome := "ok"
	if err != nil {
		var de *DispatchError
		if !errors.As(err, &de) {
			de = newDispatchError(KindInvocationFailure, call, "dispatch failed", err)
		}
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, de))
		outcome = strings.ToLower(string(de.Kind))
		resp = messages.NewServiceResponse()
		resp.Error = de.Detail()
		err = de
	}
	d.metrics.ObserveDispatch(kind, outcome, time.Since(start))
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, call *messages.ServiceCall, target Target, cc *messages.CallContext) (*messages.ServiceResponse, error) {
	if call == nil {
		return nil, newDispatchError(KindInvalidCall, nil, "nil service call", nil)
	}
	if target == nil {
		return nil, newDispatchError(KindTargetNotFound, call,
			fmt.Sprintf("no instance of driver %q found for instance %q", call.Driver, call.InstanceID), nil)
	}
	if err := call.Validate(); err != nil {
		return nil, newDispatchError(KindInvalidCall, call, "invalid service call", err)
	}

	fn, err := Resolve(target, call.Service)
	if err != nil {
		return nil, newDispatchError(KindMethodNotFound, call,
			fmt.Sprintf("no service implementation found on %s", target.TargetName()), err)
	}

	if cc == nil {
		cc = messages.NewCallContext(nil)
	}

	slog.Info(fmt.Sprintf("%s - Calling service (%s) on %s (%s) in instance (%s)",
		logPrefix, call.Service, targetKind(target), call.Driver, call.InstanceID))

	if _, isApp := target.(ApplicationTarget); !isApp {
		if err := d.negotiator.Attach(ctx, call, cc); err != nil {
			closeChannels(cc)
			return nil, newDispatchError(KindNetworkFailure, call, "channel negotiation failed", err)
		}
	}

	resp := messages.NewServiceResponse()
	if err := invoke(ctx, fn, call, resp, cc); err != nil {
		closeChannels(cc)
		var de *DispatchError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, newDispatchError(KindInvocationFailure, call, "internal failure calling service", err)
	}

	slog.Info(fmt.Sprintf("%s - Finished service call (%s)", logPrefix, call.Service))
	return resp, nil
}

// invoke runs fn, turning a panic into an error.
func invoke(ctx context.Context, fn ServiceFunc, call *messages.ServiceCall, resp *messages.ServiceResponse, cc *messages.CallContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic in service %s: %v\n%s", logPrefix, call.Service, r, debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, call, resp, cc)
}

func closeChannels(cc *messages.CallContext) {
	if cc == nil || len(cc.Channels) == 0 {
		return
	}
	n := len(cc.Channels)
	if err := cc.CloseChannels(); err != nil {
		slog.Warn(fmt.Sprintf("%s - closing %d channels: %v", logPrefix, n, err))
	}
}
