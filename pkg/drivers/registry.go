// Package drivers keeps the driver instances deployed on this device.
package drivers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/morezero/smartspace/pkg/dispatcher"
)

const logPrefix = "drivers:registry"

// Instance identifies one deployed driver instance.
type Instance struct {
	Driver     string `json:"driver"`
	InstanceID string `json:"instanceId"`
}

// Registry maps driver instances to dispatch targets.
type Registry struct {
	counter atomic.Int64

	mu        sync.RWMutex
	instances map[string]deployed
	order     []Instance
}

type deployed struct {
	driver string
	target dispatcher.Target
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]deployed)}
}

// Deploy records target as an instance of driver. An empty instanceID is replaced with
// "<driver><n>". It returns the instance id.
func (r *Registry) Deploy(driver string, target dispatcher.Target, instanceID string) (string, error) {
	if driver == "" {
		return "", fmt.Errorf("%s - empty driver name", logPrefix)
	}
	if target == nil {
		return "", fmt.Errorf("%s - nil target for driver %s", logPrefix, driver)
	}
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s%d", driver, r.counter.Add(1)-1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[instanceID]; exists {
		return "", fmt.Errorf("%s - instance %q already deployed", logPrefix, instanceID)
	}
	r.instances[instanceID] = deployed{driver: driver, target: target}
	r.order = append(r.order, Instance{Driver: driver, InstanceID: instanceID})

	slog.Info(fmt.Sprintf("%s - Deployed driver %s as %s", logPrefix, driver, instanceID))
	return instanceID, nil
}

// Undeploy removes the instance. Unknown ids are ignored.
func (r *Registry) Undeploy(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[instanceID]; !ok {
		return
	}
	delete(r.instances, instanceID)
	for i, inst := range r.order {
		if inst.InstanceID == instanceID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Target finds the instance of driver named instanceID. With an empty instanceID the
// first deployed instance of driver is used.
func (r *Registry) Target(driver, instanceID string) (dispatcher.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if instanceID != "" {
		d, ok := r.instances[instanceID]
		if !ok || d.driver != driver {
			return nil, false
		}
		return d.target, true
	}
	for _, inst := range r.order {
		if inst.Driver == driver {
			return r.instances[inst.InstanceID].target, true
		}
	}
	return nil, false
}

// List returns the deployed instances in deployment order, optionally only those of driver.
func (r *Registry) List(driver string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.order))
	for _, inst := range r.order {
		if driver == "" || inst.Driver == driver {
			out = append(out, inst)
		}
	}
	return out
}

// Drivers returns the distinct driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, inst := range r.order {
		seen[inst.Driver] = struct{}{}
	}
	r.mu.RUnlock()
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
