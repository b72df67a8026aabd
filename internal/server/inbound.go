package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/smartspace/pkg/events"
	"github.com/morezero/smartspace/pkg/gateway"
	"github.com/morezero/smartspace/pkg/messages"
)

const inboundLogPrefix = "server:inbound"

// inboundHandler serves what other devices send to this one. The reserved listener
// services manage remote subscriptions; every other call is dispatched locally.
type inboundHandler struct {
	router  *events.Router
	gateway *gateway.Gateway
}

func (h *inboundHandler) HandleCall(ctx context.Context, call *messages.ServiceCall, from *messages.Device) *messages.ServiceResponse {
	switch call.Service {
	case events.RegisterListenerService:
		return h.listenerResponse(h.router.AcceptRemote(ctx, from, call.Driver, call.InstanceID, call.Parameter(events.EventKeyParam)))
	case events.UnregisterListenerService:
		return h.listenerResponse(h.router.DropRemote(ctx, from, call.Driver, call.InstanceID, call.Parameter(events.EventKeyParam)))
	}

	resp, err := h.gateway.Dispatch(ctx, call, from)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - call %s.%s from %s failed: %v", inboundLogPrefix, call.Driver, call.Service, deviceName(from), err))
	}
	return resp
}

func (h *inboundHandler) HandleNotify(ctx context.Context, notify *messages.Notify, from *messages.Device) {
	n := h.router.DeliverRemote(ctx, notify, from)
	slog.Debug(fmt.Sprintf("%s - %s from %s delivered to %d listeners", inboundLogPrefix, notify.EventKey, deviceName(from), n))
}

func (h *inboundHandler) listenerResponse(err error) *messages.ServiceResponse {
	resp := messages.NewServiceResponse()
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", inboundLogPrefix, err))
		resp.SetError(messages.CodeInvocationFailure, err.Error(), false)
	}
	return resp
}

func deviceName(d *messages.Device) string {
	if d == nil {
		return "unknown device"
	}
	return d.Name
}
