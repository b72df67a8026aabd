package messages

import (
	"errors"
	"testing"
)

func TestServiceCall_Validate(t *testing.T) {
	tests := []struct {
		name    string
		call    *ServiceCall
		wantErr bool
	}{
		{
			name: "discrete call",
			call: NewServiceCall("driver", "status", "id"),
		},
		{
			name: "stream call with matching ids",
			call: NewServiceCall("driver", "download", "id").WithStream("Ethernet:TCP", "14985", "14986"),
		},
		{
			name:    "missing service",
			call:    NewServiceCall("driver", "", "id"),
			wantErr: true,
		},
		{
			name: "stream call with mismatched count",
			call: &ServiceCall{
				Service:     "download",
				ServiceType: ServiceTypeStream,
				Channels:    2,
				ChannelIDs:  []string{"14985"},
			},
			wantErr: true,
		},
		{
			name:    "stream call without channels",
			call:    &ServiceCall{Service: "download", ServiceType: ServiceTypeStream},
			wantErr: true,
		},
		{
			name:    "discrete call carrying channels",
			call:    &ServiceCall{Service: "status", ServiceType: ServiceTypeDiscrete, Channels: 1, ChannelIDs: []string{"1"}},
			wantErr: true,
		},
		{
			name:    "unknown service type",
			call:    &ServiceCall{Service: "status", ServiceType: "BATCH"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("messages:types_test - expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("messages:types_test - unexpected error: %v", err)
			}
		})
	}
}

func TestServiceCall_Parameters(t *testing.T) {
	call := NewServiceCall("driver", "status", "id")
	if got := call.Parameter("missing"); got != "" {
		t.Errorf("messages:types_test - Parameter(missing) = %q, want empty", got)
	}
	call.WithParameter("eventKey", "temperature")
	if got := call.Parameter("eventKey"); got != "temperature" {
		t.Errorf("messages:types_test - Parameter(eventKey) = %q, want temperature", got)
	}
}

func TestServiceResponse_SetError(t *testing.T) {
	resp := NewServiceResponse()
	if resp.Failed() {
		t.Fatal("messages:types_test - fresh response should not be failed")
	}
	resp.SetError(CodeNetworkFailure, "connection refused", true)
	if !resp.Failed() {
		t.Fatal("messages:types_test - expected failed response")
	}
	if resp.Error.Code != CodeNetworkFailure || !resp.Error.Retryable {
		t.Errorf("messages:types_test - unexpected error detail %+v", resp.Error)
	}
}

func TestDevice_NetworkFor(t *testing.T) {
	d := NewDevice("laptop",
		Network{Type: "Ethernet:UDP", Address: "10.0.0.5:14984"},
		Network{Type: "Ethernet:TCP", Address: "10.0.0.5:14985"},
	)

	n, ok := d.NetworkFor("ethernet:tcp")
	if !ok || n.Address != "10.0.0.5:14985" {
		t.Errorf("messages:types_test - NetworkFor(tcp) = %+v, %v", n, ok)
	}
	n, ok = d.NetworkFor("Bluetooth")
	if !ok || n.Address != "10.0.0.5:14984" {
		t.Errorf("messages:types_test - NetworkFor(bluetooth) should fall back to first, got %+v", n)
	}

	var none *Device
	if _, ok := none.NetworkFor("Ethernet:TCP"); ok {
		t.Error("messages:types_test - nil device should have no network")
	}
}

func TestSameDevice(t *testing.T) {
	if !SameDevice(nil, nil) {
		t.Error("messages:types_test - nil devices should match")
	}
	if SameDevice(NewDevice("a"), nil) {
		t.Error("messages:types_test - device should not match nil")
	}
	if !SameDevice(NewDevice("a"), NewDevice("a")) {
		t.Error("messages:types_test - same names should match")
	}
}

type closeRecorder struct {
	closed bool
	err    error
}

func (c *closeRecorder) Read(p []byte) (int, error)  { return 0, nil }
func (c *closeRecorder) Write(p []byte) (int, error) { return len(p), nil }
func (c *closeRecorder) Close() error                { c.closed = true; return c.err }

func TestCallContext_CloseChannels(t *testing.T) {
	cc := NewCallContext(nil)
	first := &closeRecorder{}
	second := &closeRecorder{err: errors.New("already closed")}
	cc.AddChannel(first)
	cc.AddChannel(second)

	if cc.Channel(1) != second {
		t.Error("messages:types_test - Channel(1) should return the second channel")
	}
	if cc.Channel(5) != nil {
		t.Error("messages:types_test - out of range channel should be nil")
	}

	err := cc.CloseChannels()
	if err == nil {
		t.Error("messages:types_test - expected joined close error")
	}
	if !first.closed || !second.closed {
		t.Error("messages:types_test - every channel should be closed")
	}
	if len(cc.Channels) != 0 {
		t.Errorf("messages:types_test - expected channels detached, got %d", len(cc.Channels))
	}
}
