// Package events routes event notifications between listeners on this device
// and listeners on remote devices.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/morezero/smartspace/pkg/messages"
	"github.com/morezero/smartspace/pkg/metrics"
)

const logPrefix = "events:router"

// Registration is one listener's interest in an event. A nil Device means the
// event is raised on this device. An empty InstanceID matches every instance of Driver.
type Registration struct {
	Listener   Listener
	Device     *messages.Device
	Driver     string
	InstanceID string
	EventKey   string
}

func (r Registration) same(o Registration) bool {
	return r.Listener == o.Listener &&
		messages.SameDevice(r.Device, o.Device) &&
		r.Driver == o.Driver &&
		r.InstanceID == o.InstanceID &&
		r.EventKey == o.EventKey
}

func (r Registration) matches(n *messages.Notify, from *messages.Device) bool {
	return messages.SameDevice(r.Device, from) &&
		r.Driver == n.Driver &&
		(r.InstanceID == "" || r.InstanceID == n.InstanceID) &&
		r.EventKey == n.EventKey
}

// RouterOpts configures a Router. Nil or zero values use defaults.
type RouterOpts struct {
	// Store persists subscriptions accepted from remote devices.
	Store   SubscriptionStore
	Metrics *metrics.Metrics
}

// Router keeps listener registrations and routes notifications locally or to remote devices.
type Router struct {
	engine  RemoteEngine
	store   SubscriptionStore
	metrics *metrics.Metrics

	mu      sync.Mutex
	regs    []Registration
	pending []*pendingRegistration
	remotes map[string]*RemoteListener
}

// pendingRegistration is a remote registration whose registerListener call is in flight.
// Identical Register calls made meanwhile wait on done and share err.
type pendingRegistration struct {
	reg  Registration
	done chan struct{}
	err  error
}

// NewRouter creates a Router that reaches remote devices through engine.
// A nil engine is replaced with NoOpEngine. Pass nil for opts to use defaults.
func NewRouter(engine RemoteEngine, opts *RouterOpts) *Router {
	if engine == nil {
		engine = NoOpEngine{}
	}
	r := &Router{engine: engine, remotes: make(map[string]*RemoteListener)}
	if opts != nil {
		r.store = opts.Store
		r.metrics = opts.Metrics
	}
	return r
}

// Register records l's interest in eventKey raised by driver/instanceID on device.
// When device is non-nil the device is asked to forward matching events with one
// registerListener call; if that call fails the local record is rolled back.
// Registering the same listener for the same event twice is stored once.
func (r *Router) Register(ctx context.Context, l Listener, device *messages.Device, driver, instanceID, eventKey string) error {
	if l == nil {
		return fmt.Errorf("%s - nil listener", logPrefix)
	}
	reg := Registration{Listener: l, Device: device, Driver: driver, InstanceID: instanceID, EventKey: eventKey}

	r.mu.Lock()
	for _, p := range r.pending {
		if p.reg.same(reg) {
			r.mu.Unlock()
			return r.waitPending(ctx, p)
		}
	}
	for _, existing := range r.regs {
		if existing.same(reg) {
			r.mu.Unlock()
			return nil
		}
	}
	r.regs = append(r.regs, reg)
	r.updateGaugeLocked()
	if device == nil {
		r.mu.Unlock()
		return nil
	}
	p := &pendingRegistration{reg: reg, done: make(chan struct{})}
	r.pending = append(r.pending, p)
	r.mu.Unlock()

	err := r.callRemote(ctx, device, RegisterListenerService, driver, instanceID, eventKey)
	if err != nil {
		err = fmt.Errorf("%s - failed to register for %s on %s: %w", logPrefix, eventKey, device.Name, err)
	}

	r.mu.Lock()
	p.err = err
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	if err != nil {
		r.removeLocked(func(existing Registration) bool { return existing.same(reg) })
	}
	close(p.done)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Registered for %s (%s/%s) on %s", logPrefix, eventKey, driver, instanceID, device.Name))
	return nil
}

func (r *Router) waitPending(ctx context.Context, p *pendingRegistration) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("%s - waiting for registration of %s: %w", logPrefix, p.reg.EventKey, ctx.Err())
	}
}

// Unregister removes l's registration for the event. Unknown registrations are ignored.
// When device is non-nil an unregisterListener call is sent to it regardless.
func (r *Router) Unregister(ctx context.Context, l Listener, device *messages.Device, driver, instanceID, eventKey string) error {
	reg := Registration{Listener: l, Device: device, Driver: driver, InstanceID: instanceID, EventKey: eventKey}
	r.remove(func(existing Registration) bool { return existing.same(reg) })

	if device == nil {
		return nil
	}
	if err := r.callRemote(ctx, device, UnregisterListenerService, driver, instanceID, eventKey); err != nil {
		return fmt.Errorf("%s - failed to unregister from %s on %s: %w", logPrefix, eventKey, device.Name, err)
	}
	return nil
}

// UnregisterAll removes every registration held by l, telling each remote device involved.
func (r *Router) UnregisterAll(ctx context.Context, l Listener) error {
	removed := r.remove(func(existing Registration) bool { return existing.Listener == l })

	var errs []error
	for _, reg := range removed {
		if reg.Device == nil {
			continue
		}
		if err := r.callRemote(ctx, reg.Device, UnregisterListenerService, reg.Driver, reg.InstanceID, reg.EventKey); err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", reg.EventKey, reg.Device.Name, err))
		}
	}
	if len(removed) > 0 {
		slog.Debug(fmt.Sprintf("%s - Removed %d registrations", logPrefix, len(removed)))
	}
	return errors.Join(errs...)
}

// Notify routes notify. With a nil device it is delivered synchronously, in registration
// order, to the local registrations it matches. Otherwise it is sent to device only.
// A notification nobody listens to is not an error.
func (r *Router) Notify(ctx context.Context, notify *messages.Notify, device *messages.Device) error {
	if notify == nil {
		return fmt.Errorf("%s - nil notify", logPrefix)
	}
	if device != nil {
		r.metrics.NotifyRouted("remote")
		if err := r.engine.NotifyEvent(ctx, notify, device); err != nil {
			return fmt.Errorf("%s - failed to notify %s on %s: %w", logPrefix, notify.EventKey, device.Name, err)
		}
		return nil
	}
	r.metrics.NotifyRouted("local")
	r.deliver(ctx, notify, nil)
	return nil
}

// DeliverRemote delivers a notification received from device from to the listeners
// registered for that device's events. It returns the number of listeners reached.
// Notifications without an origin are dropped; they never reach local registrations.
func (r *Router) DeliverRemote(ctx context.Context, notify *messages.Notify, from *messages.Device) int {
	if notify == nil {
		return 0
	}
	if from == nil {
		slog.Warn(fmt.Sprintf("%s - dropping inbound %s without origin device", logPrefix, notify.EventKey))
		return 0
	}
	r.metrics.NotifyRouted("inbound")
	return r.deliver(ctx, notify, from)
}

// Registrations returns a snapshot of the current registrations.
func (r *Router) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// RemoteListenerFor returns the listener forwarding events to device, one per device name.
func (r *Router) RemoteListenerFor(device *messages.Device) *RemoteListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.remotes[device.Name]; ok {
		return l
	}
	l := &RemoteListener{device: device, engine: r.engine}
	r.remotes[device.Name] = l
	return l
}

// AcceptRemote handles a registerListener call from device from: local events matching
// driver/instanceID/eventKey are forwarded to it from now on.
func (r *Router) AcceptRemote(ctx context.Context, from *messages.Device, driver, instanceID, eventKey string) error {
	if from == nil {
		return fmt.Errorf("%s - remote registration without caller", logPrefix)
	}
	if err := r.Register(ctx, r.RemoteListenerFor(from), nil, driver, instanceID, eventKey); err != nil {
		return err
	}
	if r.store == nil {
		return nil
	}
	sub := Subscription{Device: from.Name, Driver: driver, InstanceID: instanceID, EventKey: eventKey}
	if err := r.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("%s - failed to persist subscription of %s: %w", logPrefix, from.Name, err)
	}
	return nil
}

// DropRemote handles an unregisterListener call from device from.
func (r *Router) DropRemote(ctx context.Context, from *messages.Device, driver, instanceID, eventKey string) error {
	if from == nil {
		return fmt.Errorf("%s - remote unregistration without caller", logPrefix)
	}
	if err := r.Unregister(ctx, r.RemoteListenerFor(from), nil, driver, instanceID, eventKey); err != nil {
		return err
	}
	if r.store == nil {
		return nil
	}
	sub := Subscription{Device: from.Name, Driver: driver, InstanceID: instanceID, EventKey: eventKey}
	if err := r.store.Delete(ctx, sub); err != nil {
		return fmt.Errorf("%s - failed to delete subscription of %s: %w", logPrefix, from.Name, err)
	}
	return nil
}

// Restore re-registers the persisted remote subscriptions. It returns how many were restored.
func (r *Router) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	subs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to list subscriptions: %w", logPrefix, err)
	}
	for _, sub := range subs {
		l := r.RemoteListenerFor(messages.NewDevice(sub.Device))
		if err := r.Register(ctx, l, nil, sub.Driver, sub.InstanceID, sub.EventKey); err != nil {
			return 0, err
		}
	}
	slog.Info(fmt.Sprintf("%s - Restored %d remote subscriptions", logPrefix, len(subs)))
	return len(subs), nil
}

func (r *Router) deliver(ctx context.Context, notify *messages.Notify, from *messages.Device) int {
	r.mu.Lock()
	var targets []Listener
	for _, reg := range r.regs {
		if reg.matches(notify, from) {
			targets = append(targets, reg.Listener)
		}
	}
	r.mu.Unlock()

	for _, l := range targets {
		handle(ctx, l, notify)
	}
	return len(targets)
}

func handle(ctx context.Context, l Listener, notify *messages.Notify) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - listener panicked on %s: %v\n%s", logPrefix, notify.EventKey, rec, debug.Stack()))
		}
	}()
	l.HandleEvent(ctx, notify)
}

// remove drops the registrations selected by match and returns them.
func (r *Router) remove(match func(Registration) bool) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(match)
}

func (r *Router) removeLocked(match func(Registration) bool) []Registration {
	var removed []Registration
	kept := r.regs[:0]
	for _, reg := range r.regs {
		if match(reg) {
			removed = append(removed, reg)
			continue
		}
		kept = append(kept, reg)
	}
	for i := len(kept); i < len(r.regs); i++ {
		r.regs[i] = Registration{}
	}
	r.regs = kept
	r.updateGaugeLocked()
	return removed
}

func (r *Router) updateGaugeLocked() {
	r.metrics.SetRegistrations(len(r.regs))
}

func (r *Router) callRemote(ctx context.Context, device *messages.Device, service, driver, instanceID, eventKey string) error {
	call := messages.NewServiceCall(driver, service, instanceID).WithParameter(EventKeyParam, eventKey)
	resp, err := r.engine.CallService(ctx, device, call)
	if err != nil {
		return err
	}
	if resp.Failed() {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}
