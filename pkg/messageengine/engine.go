package messageengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/smartspace/pkg/commsutil"
	"github.com/morezero/smartspace/pkg/messages"
)

const logPrefix = "messageengine:engine"

// DefaultRequestTimeout bounds a remote call when ctx carries no deadline.
const DefaultRequestTimeout = 10 * time.Second

// Opts configures an Engine. Zero values use defaults.
type Opts struct {
	// Self is the local device, sent as the origin of every envelope.
	Self              *messages.Device
	RequestTimeout    time.Duration
	VersionConstraint string
}

// Engine sends service calls and notifications to other devices over COMMS.
type Engine struct {
	nc      *comms.Conn
	self    *messages.Device
	timeout time.Duration
	version *VersionChecker
}

// New creates an Engine on nc.
func New(nc *comms.Conn, opts Opts) (*Engine, error) {
	if opts.Self == nil {
		return nil, fmt.Errorf("%s - local device is required", logPrefix)
	}
	vc, err := NewVersionChecker(opts.VersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Engine{nc: nc, self: opts.Self, timeout: timeout, version: vc}, nil
}

// Self returns the local device.
func (e *Engine) Self() *messages.Device {
	return e.self
}

// CallService runs call on device and waits for its response.
func (e *Engine) CallService(ctx context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error) {
	if device == nil {
		return nil, &EngineError{Code: CodeNoDevice, Message: "remote call without target device"}
	}
	env := e.envelope()
	env.Call = call

	reply, err := e.request(ctx, commsutil.BuildCallSubject(device.Name), env)
	if err != nil {
		return nil, err
	}
	if reply.Response == nil {
		return nil, &EngineError{Code: CodeBadReply, Message: fmt.Sprintf("%s answered %s without a response", device.Name, call.Service)}
	}
	return reply.Response, nil
}

// NotifyEvent publishes notify to device without waiting for delivery.
func (e *Engine) NotifyEvent(_ context.Context, notify *messages.Notify, device *messages.Device) error {
	if device == nil {
		return &EngineError{Code: CodeNoDevice, Message: "remote notify without target device"}
	}
	env := e.envelope()
	env.Notify = notify
	data, err := commsutil.EncodePayload(env)
	if err != nil {
		return &EngineError{Code: CodeEncodeFailed, Message: "failed to encode notify", Err: err}
	}

	subject := commsutil.BuildNotifySubject(device.Name)
	if err := e.nc.Publish(subject, data); err != nil {
		return &EngineError{Code: CodeUnreachable, Message: fmt.Sprintf("failed to publish to %s", subject), Err: err}
	}
	slog.Debug(fmt.Sprintf("%s - Sent %s to %s", logPrefix, notify.EventKey, device.Name))
	return nil
}

// Describe asks the device named name for its descriptor.
func (e *Engine) Describe(ctx context.Context, name string) (*messages.Device, error) {
	reply, err := e.request(ctx, commsutil.BuildDescribeSubject(name), e.envelope())
	if err != nil {
		return nil, err
	}
	if reply.Device == nil {
		return nil, &EngineError{Code: CodeBadReply, Message: fmt.Sprintf("%s answered describe without a device", name)}
	}
	return reply.Device, nil
}

func (e *Engine) envelope() *Envelope {
	return &Envelope{ID: uuid.NewString(), Version: ProtocolVersion, From: e.self}
}

func (e *Engine) request(ctx context.Context, subject string, env *Envelope) (*Reply, error) {
	data, err := commsutil.EncodePayload(env)
	if err != nil {
		return nil, &EngineError{Code: CodeEncodeFailed, Message: "failed to encode request", Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg, err := e.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, comms.ErrNoResponders) {
			return nil, &EngineError{Code: CodeUnreachable, Message: fmt.Sprintf("no device listening on %s", subject), Err: err}
		}
		return nil, &EngineError{Code: CodeUnreachable, Message: fmt.Sprintf("%s did not respond", subject), Err: err}
	}

	var reply Reply
	if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
		return nil, &EngineError{Code: CodeBadReply, Message: "failed to decode reply", Err: err}
	}
	if err := e.version.Check(reply.Version); err != nil {
		return nil, err
	}
	if reply.ID != env.ID {
		return nil, &EngineError{Code: CodeBadReply, Message: fmt.Sprintf("reply id %s does not match request %s", reply.ID, env.ID)}
	}
	return &reply, nil
}
