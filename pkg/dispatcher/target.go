package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/morezero/smartspace/pkg/messages"
)

// ServiceFunc executes one service. It fills resp and may read or write the channels in cc.
type ServiceFunc func(ctx context.Context, call *messages.ServiceCall, resp *messages.ServiceResponse, cc *messages.CallContext) error

// Target is anything the dispatcher can invoke. Concrete targets implement one of
// DriverTarget, ProxyTarget or ApplicationTarget.
type Target interface {
	TargetName() string
}

// DriverTarget is a driver instance exposing its services through a ServiceTable.
type DriverTarget interface {
	Target
	Services() *ServiceTable
}

// ProxyTarget is a driver that relays every call to another device.
// Any requested service name resolves to ForwardServiceCall.
type ProxyTarget interface {
	Target
	ForwardServiceCall(ctx context.Context, call *messages.ServiceCall, resp *messages.ServiceResponse, cc *messages.CallContext) error
}

// ApplicationTarget is a deployed application. It resolves and runs its own
// operations and always answers with a response; failures are carried in its Error field.
type ApplicationTarget interface {
	Target
	InvokeService(ctx context.Context, call *messages.ServiceCall) *messages.ServiceResponse
}

type serviceEntry struct {
	name string
	fn   ServiceFunc
}

// ServiceTable maps service names to functions. Names are matched case-insensitively,
// so a table holds at most one service per folded name.
type ServiceTable struct {
	services map[string]serviceEntry
}

// NewServiceTable creates an empty table.
func NewServiceTable() *ServiceTable {
	return &ServiceTable{services: make(map[string]serviceEntry)}
}

// Handle registers fn under name. It panics if name is empty, fn is nil, or a
// service with the same case-folded name is already registered.
func (t *ServiceTable) Handle(name string, fn ServiceFunc) *ServiceTable {
	if name == "" {
		panic("dispatcher: empty service name")
	}
	if fn == nil {
		panic(fmt.Sprintf("dispatcher: nil service func for %q", name))
	}
	key := strings.ToLower(name)
	if existing, ok := t.services[key]; ok {
		panic(fmt.Sprintf("dispatcher: service %q conflicts with registered service %q", name, existing.name))
	}
	t.services[key] = serviceEntry{name: name, fn: fn}
	return t
}

// Lookup finds a service by name, ignoring case.
func (t *ServiceTable) Lookup(name string) (ServiceFunc, bool) {
	if t == nil {
		return nil, false
	}
	e, ok := t.services[strings.ToLower(name)]
	return e.fn, ok
}

// Names returns the registered service names as given at registration, sorted.
func (t *ServiceTable) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.services))
	for _, e := range t.services {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// targetKind names the variant of t for logs and metrics.
func targetKind(t Target) string {
	switch t.(type) {
	case ProxyTarget:
		return "proxy"
	case DriverTarget:
		return "driver"
	case ApplicationTarget:
		return "application"
	}
	return "unknown"
}
