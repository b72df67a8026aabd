package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/morezero/smartspace/pkg/dispatcher"
	"github.com/morezero/smartspace/pkg/events"
	"github.com/morezero/smartspace/pkg/messages"
)

const managerLogPrefix = "application:manager"

// ManagerOpts configures a Manager. Nil or zero values use defaults.
type ManagerOpts struct {
	// Router drops the event registrations of applications that are listeners when they are torn down.
	Router *events.Router
}

type entry struct {
	id  string
	app Application
}

// Manager deploys applications, starts each on its own goroutine and tears them down in order.
type Manager struct {
	gateway Gateway
	router  *events.Router
	counter atomic.Int64

	mu       sync.RWMutex
	pending  []entry
	deployed []entry
	byID     map[string]Application

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager handing gw to every started application. Pass nil for opts to use defaults.
func NewManager(gw Gateway, opts *ManagerOpts) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{gateway: gw, byID: make(map[string]Application), runCtx: ctx, cancel: cancel}
	if opts != nil {
		m.router = opts.Router
	}
	return m
}

// SetGateway replaces the gateway handed to applications started from now on.
func (m *Manager) SetGateway(gw Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway = gw
}

// Add queues app for StartApplications under a generated id, which it returns.
func (m *Manager) Add(app Application) string {
	id := m.nextID(app)
	m.AddWithID(app, id)
	return id
}

// AddWithID queues app for StartApplications under id.
func (m *Manager) AddWithID(app Application, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, entry{id: id, app: app})
}

// StartApplications deploys every queued application in the order it was added.
func (m *Manager) StartApplications(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	var errs []error
	for _, e := range pending {
		if _, err := m.Deploy(ctx, e.app, e.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deploy initializes app, records it under id (generated when empty) and launches its Start.
func (m *Manager) Deploy(ctx context.Context, app Application, id string) (string, error) {
	if app == nil {
		return "", fmt.Errorf("%s - nil application", managerLogPrefix)
	}
	if id == "" {
		id = m.nextID(app)
	}

	m.mu.RLock()
	_, exists := m.byID[id]
	m.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%s - application %q already deployed", managerLogPrefix, id)
	}

	if err := app.Init(ctx, id); err != nil {
		return "", fmt.Errorf("%s - failed to init %s: %w", managerLogPrefix, id, err)
	}

	m.mu.Lock()
	if _, exists := m.byID[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%s - application %q already deployed", managerLogPrefix, id)
	}
	m.byID[id] = app
	m.deployed = append(m.deployed, entry{id: id, app: app})
	gw := m.gateway
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(id, app, gw)

	slog.Info(fmt.Sprintf("%s - Deployed application %s", managerLogPrefix, id))
	return id, nil
}

func (m *Manager) run(id string, app Application, gw Gateway) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - application %s panicked in Start: %v\n%s", managerLogPrefix, id, r, debug.Stack()))
		}
	}()
	app.Start(m.runCtx, gw)
}

// TearDown stops and tears down every deployed application, one at a time, last
// deployed first. It then waits for running Start calls to return or ctx to end.
func (m *Manager) TearDown(ctx context.Context) error {
	m.mu.Lock()
	deployed := m.deployed
	m.deployed = nil
	m.byID = make(map[string]Application)
	m.mu.Unlock()

	var errs []error
	for i := len(deployed) - 1; i >= 0; i-- {
		e := deployed[i]
		if err := e.app.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", e.id, err))
		}
		if err := e.app.TearDown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tear down %s: %w", e.id, err))
		}
		if l, ok := e.app.(events.Listener); ok && m.router != nil {
			if err := m.router.UnregisterAll(ctx, l); err != nil {
				errs = append(errs, fmt.Errorf("unregister %s: %w", e.id, err))
			}
		}
		slog.Info(fmt.Sprintf("%s - Tore down application %s", managerLogPrefix, e.id))
	}

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for applications to return: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// Find returns the deployed application with id.
func (m *Manager) Find(id string) (Application, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.byID[id]
	return app, ok
}

// IDs returns the ids of the deployed applications, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// HandleServiceCall runs call on the application whose id is call.InstanceID.
func (m *Manager) HandleServiceCall(ctx context.Context, call *messages.ServiceCall) *messages.ServiceResponse {
	var app Application
	if call != nil {
		app, _ = m.Find(call.InstanceID)
	}
	return InvokeOnApplication(ctx, app, call)
}

// Target returns the dispatch target of the deployed application id.
func (m *Manager) Target(id string) (dispatcher.ApplicationTarget, bool) {
	if _, ok := m.Find(id); !ok {
		return nil, false
	}
	return &target{id: id, manager: m}, true
}

func (m *Manager) nextID(app Application) string {
	n := m.counter.Add(1) - 1
	return fmt.Sprintf("%s%d", strings.TrimPrefix(fmt.Sprintf("%T", app), "*"), n)
}

// target routes dispatched calls back through the manager, so an application
// torn down after resolution answers TARGET_NOT_FOUND.
type target struct {
	id      string
	manager *Manager
}

func (t *target) TargetName() string { return t.id }

func (t *target) InvokeService(ctx context.Context, call *messages.ServiceCall) *messages.ServiceResponse {
	if call != nil && call.InstanceID != t.id {
		c := *call
		c.InstanceID = t.id
		call = &c
	}
	return t.manager.HandleServiceCall(ctx, call)
}
