package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/smartspace/pkg/messages"
	"github.com/morezero/smartspace/pkg/metrics"
)

type remoteCall struct {
	device *messages.Device
	call   *messages.ServiceCall
}

type remoteNotify struct {
	device *messages.Device
	notify *messages.Notify
}

// recordingEngine records every remote interaction.
type recordingEngine struct {
	mu       sync.Mutex
	calls    []remoteCall
	notifies []remoteNotify
	callErr  error
	failResp bool
}

func (e *recordingEngine) CallService(_ context.Context, device *messages.Device, call *messages.ServiceCall) (*messages.ServiceResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, remoteCall{device: device, call: call})
	if e.callErr != nil {
		return nil, e.callErr
	}
	resp := messages.NewServiceResponse()
	if e.failResp {
		resp.SetError(messages.CodeMethodNotFound, "no such driver", false)
	}
	return resp, nil
}

func (e *recordingEngine) NotifyEvent(_ context.Context, notify *messages.Notify, device *messages.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifies = append(e.notifies, remoteNotify{device: device, notify: notify})
	return nil
}

// recordingListener records the notifications it receives.
type recordingListener struct {
	name     string
	mu       sync.Mutex
	received []*messages.Notify
	order    *[]string
}

func (l *recordingListener) HandleEvent(_ context.Context, n *messages.Notify) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, n)
	if l.order != nil {
		*l.order = append(*l.order, l.name)
	}
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.received)
}

func TestRouter_LocalNotifyDeliversToMatchingListener(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	l := &recordingListener{}
	ctx := context.Background()

	if err := router.Register(ctx, l, nil, "driver", "id", "key"); err != nil {
		t.Fatalf("events:router_test - Register failed: %v", err)
	}
	n := messages.NewNotify("key", "driver", "id")
	if err := router.Notify(ctx, n, nil); err != nil {
		t.Fatalf("events:router_test - Notify failed: %v", err)
	}

	if l.count() != 1 {
		t.Fatalf("events:router_test - handler invoked %d times, want 1", l.count())
	}
	if l.received[0] != n {
		t.Error("events:router_test - handler should receive the same Notify")
	}
	if len(engine.calls) != 0 || len(engine.notifies) != 0 {
		t.Errorf("events:router_test - expected no remote activity, got %d calls and %d notifies", len(engine.calls), len(engine.notifies))
	}
}

func TestRouter_LocalNotifyMatching(t *testing.T) {
	tests := []struct {
		name       string
		driver     string
		instanceID string
		eventKey   string
		want       int
	}{
		{name: "exact match", driver: "driver", instanceID: "id", eventKey: "key", want: 1},
		{name: "other key", driver: "driver", instanceID: "id", eventKey: "other", want: 0},
		{name: "other driver", driver: "camera", instanceID: "id", eventKey: "key", want: 0},
		{name: "other instance", driver: "driver", instanceID: "id-2", eventKey: "key", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(&recordingEngine{}, nil)
			l := &recordingListener{}
			if err := router.Register(context.Background(), l, nil, "driver", "id", "key"); err != nil {
				t.Fatalf("events:router_test - Register failed: %v", err)
			}
			_ = router.Notify(context.Background(), messages.NewNotify(tt.eventKey, tt.driver, tt.instanceID), nil)
			if l.count() != tt.want {
				t.Errorf("events:router_test - delivered %d, want %d", l.count(), tt.want)
			}
		})
	}
}

func TestRouter_WildcardInstance(t *testing.T) {
	router := NewRouter(nil, nil)
	l := &recordingListener{}
	_ = router.Register(context.Background(), l, nil, "driver", "", "key")

	_ = router.Notify(context.Background(), messages.NewNotify("key", "driver", "a"), nil)
	_ = router.Notify(context.Background(), messages.NewNotify("key", "driver", "b"), nil)
	_ = router.Notify(context.Background(), messages.NewNotify("key", "camera", "a"), nil)

	if l.count() != 2 {
		t.Errorf("events:router_test - wildcard registration got %d events, want 2", l.count())
	}
}

func TestRouter_LocalNotifyRegistrationOrder(t *testing.T) {
	router := NewRouter(nil, nil)
	var order []string
	first := &recordingListener{name: "first", order: &order}
	second := &recordingListener{name: "second", order: &order}
	third := &recordingListener{name: "third", order: &order}
	for _, l := range []*recordingListener{first, second, third} {
		_ = router.Register(context.Background(), l, nil, "driver", "id", "key")
	}

	_ = router.Notify(context.Background(), messages.NewNotify("key", "driver", "id"), nil)

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("events:router_test - order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("events:router_test - order = %v, want %v", order, want)
			break
		}
	}
}

func TestRouter_RemoteNotify(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	l := &recordingListener{}
	device := messages.NewDevice("the_device")
	_ = router.Register(context.Background(), l, nil, "driver", "id", "key")

	n := messages.NewNotify("key", "driver", "id")
	if err := router.Notify(context.Background(), n, device); err != nil {
		t.Fatalf("events:router_test - Notify failed: %v", err)
	}

	if len(engine.notifies) != 1 {
		t.Fatalf("events:router_test - remote notifies = %d, want 1", len(engine.notifies))
	}
	if engine.notifies[0].device != device || engine.notifies[0].notify != n {
		t.Error("events:router_test - remote notify should carry the device and the Notify")
	}
	if l.count() != 0 {
		t.Errorf("events:router_test - local listener invoked %d times, want 0", l.count())
	}
}

func TestRouter_RegisterDelegatesForDevice(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	device := messages.NewDevice("the_device")

	if err := router.Register(context.Background(), &recordingListener{}, device, "driver", "id", "key"); err != nil {
		t.Fatalf("events:router_test - Register failed: %v", err)
	}

	if len(engine.calls) != 1 {
		t.Fatalf("events:router_test - remote calls = %d, want 1", len(engine.calls))
	}
	got := engine.calls[0]
	if got.device != device {
		t.Error("events:router_test - registerListener should target the device")
	}
	if got.call.Service != RegisterListenerService {
		t.Errorf("events:router_test - service = %s, want %s", got.call.Service, RegisterListenerService)
	}
	if got.call.Driver != "driver" || got.call.InstanceID != "id" || got.call.Parameter(EventKeyParam) != "key" {
		t.Errorf("events:router_test - unexpected registerListener call %+v", got.call)
	}
}

func TestRouter_RegisterNilDeviceStaysLocal(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)

	_ = router.Register(context.Background(), &recordingListener{}, nil, "driver", "id", "key")

	if len(engine.calls) != 0 {
		t.Errorf("events:router_test - remote calls = %d, want 0", len(engine.calls))
	}
}

func TestRouter_RegisterIsSetMembership(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	l := &recordingListener{}
	device := messages.NewDevice("the_device")

	for i := 0; i < 3; i++ {
		_ = router.Register(context.Background(), l, nil, "driver", "id", "key")
		_ = router.Register(context.Background(), l, device, "driver", "id", "key")
	}

	if n := len(router.Registrations()); n != 2 {
		t.Errorf("events:router_test - registrations = %d, want 2", n)
	}
	if len(engine.calls) != 1 {
		t.Errorf("events:router_test - remote calls = %d, want 1", len(engine.calls))
	}
	_ = router.Notify(context.Background(), messages.NewNotify("key", "driver", "id"), nil)
	if l.count() != 1 {
		t.Errorf("events:router_test - listener invoked %d times, want 1", l.count())
	}
}

func TestRouter_RegisterRollsBackOnRemoteFailure(t *testing.T) {
	tests := []struct {
		name   string
		engine *recordingEngine
	}{
		{name: "transport error", engine: &recordingEngine{callErr: errors.New("no responders")}},
		{name: "error response", engine: &recordingEngine{failResp: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(tt.engine, nil)
			err := router.Register(context.Background(), &recordingListener{}, messages.NewDevice("the_device"), "driver", "id", "key")
			if err == nil {
				t.Fatal("events:router_test - expected error")
			}
			if n := len(router.Registrations()); n != 0 {
				t.Errorf("events:router_test - registrations = %d after rollback, want 0", n)
			}
		})
	}
}

func TestRouter_ConcurrentDuplicateRegister(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	engine := &CallbackEngine{
		OnCall: func(_ context.Context, _ *messages.Device, _ *messages.ServiceCall) (*messages.ServiceResponse, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(entered)
				<-release
				return nil, errors.New("transient")
			}
			return messages.NewServiceResponse(), nil
		},
	}
	router := NewRouter(engine, nil)
	ctx := context.Background()
	l := &recordingListener{}
	device := messages.NewDevice("dx")

	firstErr := make(chan error, 1)
	go func() { firstErr <- router.Register(ctx, l, device, "driver", "", "key") }()
	<-entered

	secondErr := make(chan error, 1)
	go func() { secondErr <- router.Register(ctx, l, device, "driver", "", "key") }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-firstErr; err == nil {
		t.Fatal("events:router_test - first Register should report the remote failure")
	}
	err := <-secondErr
	regs := router.Registrations()

	mu.Lock()
	defer mu.Unlock()
	if err == nil {
		// Only acceptable when the second caller made its own successful remote call.
		if len(regs) != 1 || calls != 2 {
			t.Errorf("events:router_test - second Register succeeded with %d registrations after %d remote calls", len(regs), calls)
		}
		return
	}
	if len(regs) != 0 {
		t.Errorf("events:router_test - registrations = %d after failed registration, want 0", len(regs))
	}
	if calls != 1 {
		t.Errorf("events:router_test - remote calls = %d, want 1 shared call", calls)
	}
}

func TestRouter_UnregisterUnknownIsNoop(t *testing.T) {
	router := NewRouter(&recordingEngine{}, nil)
	l := &recordingListener{}

	if err := router.Unregister(context.Background(), l, nil, "driver", "id", "key"); err != nil {
		t.Errorf("events:router_test - unexpected error: %v", err)
	}
	if err := router.UnregisterAll(context.Background(), l); err != nil {
		t.Errorf("events:router_test - unexpected error: %v", err)
	}
	if n := len(router.Registrations()); n != 0 {
		t.Errorf("events:router_test - registrations = %d, want 0", n)
	}
}

func TestRouter_UnregisterWithDevice(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	l := &recordingListener{}
	device := messages.NewDevice("the_device")

	_ = router.Register(context.Background(), l, device, "driver", "id", "key")
	if err := router.Unregister(context.Background(), l, device, "driver", "id", "key"); err != nil {
		t.Fatalf("events:router_test - Unregister failed: %v", err)
	}

	if len(engine.calls) != 2 {
		t.Fatalf("events:router_test - remote calls = %d, want 2", len(engine.calls))
	}
	if engine.calls[1].call.Service != UnregisterListenerService {
		t.Errorf("events:router_test - second call = %s, want %s", engine.calls[1].call.Service, UnregisterListenerService)
	}
	if n := len(router.Registrations()); n != 0 {
		t.Errorf("events:router_test - registrations = %d, want 0", n)
	}
}

func TestRouter_UnregisterOnlyTouchesListener(t *testing.T) {
	router := NewRouter(nil, nil)
	a := &recordingListener{}
	b := &recordingListener{}
	_ = router.Register(context.Background(), a, nil, "driver", "id", "key")
	_ = router.Register(context.Background(), b, nil, "driver", "id", "key")

	_ = router.Unregister(context.Background(), a, nil, "driver", "id", "key")
	_ = router.Notify(context.Background(), messages.NewNotify("key", "driver", "id"), nil)

	if a.count() != 0 || b.count() != 1 {
		t.Errorf("events:router_test - a=%d b=%d, want a=0 b=1", a.count(), b.count())
	}
}

func TestRouter_UnregisterAll(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	l := &recordingListener{}
	other := &recordingListener{}
	dev1 := messages.NewDevice("dev1")
	dev2 := messages.NewDevice("dev2")
	ctx := context.Background()

	_ = router.Register(ctx, l, nil, "driver", "id", "a")
	_ = router.Register(ctx, l, dev1, "driver", "id", "b")
	_ = router.Register(ctx, l, dev2, "camera", "", "c")
	_ = router.Register(ctx, other, nil, "driver", "id", "a")
	engine.calls = nil

	if err := router.UnregisterAll(ctx, l); err != nil {
		t.Fatalf("events:router_test - UnregisterAll failed: %v", err)
	}

	regs := router.Registrations()
	if len(regs) != 1 || regs[0].Listener != Listener(other) {
		t.Errorf("events:router_test - remaining registrations = %+v, want only other", regs)
	}
	if len(engine.calls) != 2 {
		t.Fatalf("events:router_test - remote unregisters = %d, want 2", len(engine.calls))
	}
	for _, c := range engine.calls {
		if c.call.Service != UnregisterListenerService {
			t.Errorf("events:router_test - unexpected service %s", c.call.Service)
		}
	}
}

func TestRouter_UnregisterAllJoinsRemoteErrors(t *testing.T) {
	engine := &recordingEngine{}
	router := NewRouter(engine, nil)
	l := &recordingListener{}
	_ = router.Register(context.Background(), l, messages.NewDevice("dev1"), "driver", "id", "b")
	engine.callErr = errors.New("timeout")

	err := router.UnregisterAll(context.Background(), l)
	if err == nil {
		t.Fatal("events:router_test - expected joined error")
	}
	if !errors.Is(err, engine.callErr) {
		t.Errorf("events:router_test - error should wrap the remote cause, got %v", err)
	}
	if n := len(router.Registrations()); n != 0 {
		t.Errorf("events:router_test - local registrations must be removed anyway, got %d", n)
	}
}

func TestRouter_DeliverRemote(t *testing.T) {
	router := NewRouter(&recordingEngine{}, nil)
	ctx := context.Background()
	fromX := &recordingListener{}
	local := &recordingListener{}
	deviceX := messages.NewDevice("x")

	_ = router.Register(ctx, fromX, deviceX, "driver", "id", "key")
	_ = router.Register(ctx, local, nil, "driver", "id", "key")

	n := router.DeliverRemote(ctx, messages.NewNotify("key", "driver", "id"), messages.NewDevice("x"))
	if n != 1 {
		t.Errorf("events:router_test - delivered to %d listeners, want 1", n)
	}
	if fromX.count() != 1 || local.count() != 0 {
		t.Errorf("events:router_test - fromX=%d local=%d, want 1/0", fromX.count(), local.count())
	}

	if n := router.DeliverRemote(ctx, messages.NewNotify("key", "driver", "id"), messages.NewDevice("y")); n != 0 {
		t.Errorf("events:router_test - notification from unknown device delivered to %d", n)
	}

	// Without an origin the notification must not be taken for a local one.
	if n := router.DeliverRemote(ctx, messages.NewNotify("key", "driver", "id"), nil); n != 0 {
		t.Errorf("events:router_test - notification without origin delivered to %d", n)
	}
	if local.count() != 0 {
		t.Errorf("events:router_test - local listener reached by inbound notification, count=%d", local.count())
	}
}

func TestRouter_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	router := NewRouter(nil, nil)
	panicky := NewCallbackListener(func(context.Context, *messages.Notify) { panic("listener bug") })
	l := &recordingListener{}
	_ = router.Register(context.Background(), panicky, nil, "driver", "id", "key")
	_ = router.Register(context.Background(), l, nil, "driver", "id", "key")

	if err := router.Notify(context.Background(), messages.NewNotify("key", "driver", "id"), nil); err != nil {
		t.Fatalf("events:router_test - Notify failed: %v", err)
	}
	if l.count() != 1 {
		t.Errorf("events:router_test - second listener invoked %d times, want 1", l.count())
	}
}

func TestRouter_ReentrantListener(t *testing.T) {
	router := NewRouter(nil, nil)
	ctx := context.Background()
	late := &recordingListener{}
	var reentrant *CallbackListener
	reentrant = NewCallbackListener(func(ctx context.Context, _ *messages.Notify) {
		_ = router.Register(ctx, late, nil, "driver", "id", "key")
		_ = router.Unregister(ctx, reentrant, nil, "driver", "id", "key")
	})
	_ = router.Register(ctx, reentrant, nil, "driver", "id", "key")

	_ = router.Notify(ctx, messages.NewNotify("key", "driver", "id"), nil)
	if late.count() != 0 {
		t.Error("events:router_test - listener registered during delivery must not see the same event")
	}
	_ = router.Notify(ctx, messages.NewNotify("key", "driver", "id"), nil)
	if late.count() != 1 {
		t.Errorf("events:router_test - late listener invoked %d times, want 1", late.count())
	}
}

func TestRouter_ConcurrentAccess(t *testing.T) {
	router := NewRouter(&recordingEngine{}, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	listeners := make([]*recordingListener, 20)
	for i := range listeners {
		listeners[i] = &recordingListener{}
	}

	for _, l := range listeners {
		wg.Add(2)
		go func(l *recordingListener) {
			defer wg.Done()
			_ = router.Register(ctx, l, nil, "driver", "id", "key")
		}(l)
		go func() {
			defer wg.Done()
			_ = router.Notify(ctx, messages.NewNotify("key", "driver", "id"), nil)
		}()
	}
	wg.Wait()

	_ = router.Notify(ctx, messages.NewNotify("key", "driver", "id"), nil)
	for i, l := range listeners {
		if l.count() < 1 {
			t.Errorf("events:router_test - listener %d never received the final notify", i)
		}
	}
}

func TestRouter_Metrics(t *testing.T) {
	m := metrics.New(metrics.NewRegistry())
	router := NewRouter(&recordingEngine{}, &RouterOpts{Metrics: m})
	ctx := context.Background()
	l := &recordingListener{}

	_ = router.Register(ctx, l, nil, "driver", "id", "a")
	_ = router.Register(ctx, l, nil, "driver", "id", "b")
	if got := testutil.ToFloat64(m.Registrations); got != 2 {
		t.Errorf("events:router_test - registrations gauge = %v, want 2", got)
	}

	_ = router.Notify(ctx, messages.NewNotify("a", "driver", "id"), nil)
	_ = router.Notify(ctx, messages.NewNotify("a", "driver", "id"), messages.NewDevice("x"))
	if got := testutil.ToFloat64(m.NotifyTotal.WithLabelValues("local")); got != 1 {
		t.Errorf("events:router_test - local notifies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotifyTotal.WithLabelValues("remote")); got != 1 {
		t.Errorf("events:router_test - remote notifies = %v, want 1", got)
	}

	_ = router.UnregisterAll(ctx, l)
	if got := testutil.ToFloat64(m.Registrations); got != 0 {
		t.Errorf("events:router_test - registrations gauge = %v, want 0", got)
	}
}
