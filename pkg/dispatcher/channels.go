package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/morezero/smartspace/pkg/messages"
	"github.com/morezero/smartspace/pkg/metrics"
)

const channelsLogPrefix = "dispatcher:channels"

// DefaultConnectTimeout bounds each outbound channel connect when no timeout is configured.
const DefaultConnectTimeout = 10 * time.Second

// ConnectionManager opens outbound connections for stream calls.
type ConnectionManager interface {
	// Host resolves the host part of a caller's network address.
	Host(networkName string) (string, error)
	// OpenActiveConnection connects to address over channelType.
	OpenActiveConnection(ctx context.Context, address, channelType string) (io.ReadWriteCloser, error)
}

// Negotiator attaches the data channels requested by stream calls to the call context.
type Negotiator struct {
	conns          ConnectionManager
	connectTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewNegotiator creates a Negotiator. A non-positive timeout uses DefaultConnectTimeout.
func NewNegotiator(conns ConnectionManager, connectTimeout time.Duration, m *metrics.Metrics) *Negotiator {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Negotiator{conns: conns, connectTimeout: connectTimeout, metrics: m}
}

// Attach opens one channel per channel id of a stream call, in order, and appends each to cc.
// Discrete calls are left untouched.
//
// On failure the remaining channels are abandoned. Channels attached before the failure
// stay in cc.Channels; closing them is the caller's job.
func (n *Negotiator) Attach(ctx context.Context, call *messages.ServiceCall, cc *messages.CallContext) error {
	if !call.IsStream() {
		return nil
	}
	if n == nil || n.conns == nil {
		return fmt.Errorf("%s - no connection manager configured for stream calls", channelsLogPrefix)
	}

	network, ok := cc.Caller.NetworkFor(call.ChannelType)
	if !ok {
		return fmt.Errorf("%s - no caller network to open %d channels for %s", channelsLogPrefix, call.Channels, call.Service)
	}
	host, err := n.conns.Host(network.Address)
	if err != nil {
		return fmt.Errorf("%s - failed to resolve host of %s: %w", channelsLogPrefix, network.Address, err)
	}

	for i := 0; i < call.Channels; i++ {
		address := net.JoinHostPort(host, call.ChannelIDs[i])
		ch, err := n.open(ctx, address, call.ChannelType)
		n.metrics.ChannelOpened(err == nil)
		if err != nil {
			return fmt.Errorf("%s - failed to open channel %d at %s: %w", channelsLogPrefix, i, address, err)
		}
		cc.AddChannel(ch)
		slog.Debug(fmt.Sprintf("%s - Attached channel %d (%s) for %s", channelsLogPrefix, i, address, call.Service))
	}
	return nil
}

func (n *Negotiator) open(ctx context.Context, address, channelType string) (io.ReadWriteCloser, error) {
	connectCtx, cancel := context.WithTimeout(ctx, n.connectTimeout)
	defer cancel()
	return n.conns.OpenActiveConnection(connectCtx, address, channelType)
}
