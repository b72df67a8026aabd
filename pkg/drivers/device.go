package drivers

import (
	"context"

	"github.com/morezero/smartspace/pkg/dispatcher"
	"github.com/morezero/smartspace/pkg/messages"
)

// DeviceDriverName is the driver every device deploys to describe itself.
const DeviceDriverName = "uos.DeviceDriver"

// DeviceDriver answers questions about this device and its drivers.
type DeviceDriver struct {
	device   *messages.Device
	registry *Registry
	services *dispatcher.ServiceTable
}

// NewDeviceDriver creates the device driver for device, listing drivers from registry.
func NewDeviceDriver(device *messages.Device, registry *Registry) *DeviceDriver {
	d := &DeviceDriver{device: device, registry: registry}
	d.services = dispatcher.NewServiceTable().
		Handle("listDrivers", d.listDrivers).
		Handle("describe", d.describe)
	return d
}

// TargetName implements dispatcher.Target.
func (d *DeviceDriver) TargetName() string { return DeviceDriverName }

// Services implements dispatcher.DriverTarget.
func (d *DeviceDriver) Services() *dispatcher.ServiceTable { return d.services }

// listDrivers returns the deployed instances, filtered by the optional driverName parameter.
func (d *DeviceDriver) listDrivers(_ context.Context, call *messages.ServiceCall, resp *messages.ServiceResponse, _ *messages.CallContext) error {
	resp.AddData("driverList", d.registry.List(call.Parameter("driverName")))
	return nil
}

func (d *DeviceDriver) describe(_ context.Context, _ *messages.ServiceCall, resp *messages.ServiceResponse, _ *messages.CallContext) error {
	resp.AddData("device", d.device)
	return nil
}
