package messageengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/smartspace/pkg/commsutil"
	"github.com/morezero/smartspace/pkg/messages"
)

const inboundLogPrefix = "messageengine:inbound"

// Handler serves the calls and notifications other devices send to this one.
type Handler interface {
	// HandleCall runs call on behalf of device from and returns its response.
	HandleCall(ctx context.Context, call *messages.ServiceCall, from *messages.Device) *messages.ServiceResponse
	// HandleNotify delivers a notification sent by device from.
	HandleNotify(ctx context.Context, notify *messages.Notify, from *messages.Device)
}

// Subscriptions are the inbound subjects an Engine serves.
type Subscriptions struct {
	subs []*comms.Subscription
}

// Subjects returns the subscribed subjects.
func (s *Subscriptions) Subjects() []string {
	out := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.Subject)
	}
	return out
}

// Unsubscribe stops serving every subject.
func (s *Subscriptions) Unsubscribe() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Serve subscribes to the call, notify and describe subjects of the local device.
// Calls are handled concurrently, each bounded by the request timeout and by ctx.
// Notifications are handled in arrival order.
func (e *Engine) Serve(ctx context.Context, h Handler) (*Subscriptions, error) {
	s := &Subscriptions{}
	subjects := []struct {
		subject string
		handle  comms.MsgHandler
	}{
		{commsutil.BuildCallSubject(e.self.Name), func(msg *comms.Msg) { go e.serveCall(ctx, h, msg) }},
		{commsutil.BuildNotifySubject(e.self.Name), func(msg *comms.Msg) { e.serveNotify(ctx, h, msg) }},
		{commsutil.BuildDescribeSubject(e.self.Name), e.serveDescribe},
	}
	for _, sj := range subjects {
		sub, err := e.nc.Subscribe(sj.subject, sj.handle)
		if err != nil {
			_ = s.Unsubscribe()
			return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", inboundLogPrefix, sj.subject, err)
		}
		s.subs = append(s.subs, sub)
		slog.Info(fmt.Sprintf("%s - Subscribed to %s", inboundLogPrefix, sj.subject))
	}
	return s, nil
}

func (e *Engine) serveCall(ctx context.Context, h Handler, msg *comms.Msg) {
	var env Envelope
	if err := commsutil.DecodePayload(msg.Data, &env); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode call: %v", inboundLogPrefix, err))
		e.respondError(msg, "", messages.CodeInvalidCall, "Failed to decode request")
		return
	}
	if err := e.version.Check(env.Version); err != nil {
		slog.Warn(fmt.Sprintf("%s - rejecting call %s: %v", inboundLogPrefix, env.ID, err))
		e.respondError(msg, env.ID, messages.CodeInvalidCall, err.Error())
		return
	}
	if env.Call == nil {
		e.respondError(msg, env.ID, messages.CodeInvalidCall, "Envelope carries no service call")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp := h.HandleCall(reqCtx, env.Call, env.From)
	if resp == nil {
		resp = messages.NewServiceResponse()
		resp.SetError(messages.CodeInvocationFailure, "handler returned no response", false)
	}
	e.respond(msg, &Reply{ID: env.ID, Version: ProtocolVersion, Response: resp})
}

func (e *Engine) serveNotify(ctx context.Context, h Handler, msg *comms.Msg) {
	var env Envelope
	if err := commsutil.DecodePayload(msg.Data, &env); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode notify: %v", inboundLogPrefix, err))
		return
	}
	if err := e.version.Check(env.Version); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping notify %s: %v", inboundLogPrefix, env.ID, err))
		return
	}
	if env.Notify == nil {
		slog.Warn(fmt.Sprintf("%s - envelope %s carries no notify", inboundLogPrefix, env.ID))
		return
	}
	if env.From == nil || env.From.Name == "" {
		slog.Warn(fmt.Sprintf("%s - dropping notify %s without origin device", inboundLogPrefix, env.ID))
		return
	}
	h.HandleNotify(ctx, env.Notify, env.From)
}

func (e *Engine) serveDescribe(msg *comms.Msg) {
	var env Envelope
	id := ""
	if err := commsutil.DecodePayload(msg.Data, &env); err == nil {
		id = env.ID
	}
	e.respond(msg, &Reply{ID: id, Version: ProtocolVersion, Device: e.self})
}

func (e *Engine) respondError(msg *comms.Msg, id, code, message string) {
	resp := messages.NewServiceResponse()
	resp.SetError(code, message, false)
	e.respond(msg, &Reply{ID: id, Version: ProtocolVersion, Response: resp})
}

func (e *Engine) respond(msg *comms.Msg, reply *Reply) {
	data, err := commsutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply: %v", inboundLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", inboundLogPrefix, err))
	}
}
