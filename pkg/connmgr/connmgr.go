// Package connmgr opens the outbound data channels used by stream service calls.
package connmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"
)

const logPrefix = "connmgr:connmgr"

// DefaultKeepAlive is the TCP keep-alive period of opened channels.
const DefaultKeepAlive = 30 * time.Second

// Manager dials TCP channels. Channel types name the link and transport
// ("Ethernet:TCP"); only TCP transports are supported.
type Manager struct {
	dialer net.Dialer
}

// New creates a Manager.
func New() *Manager {
	return &Manager{dialer: net.Dialer{KeepAlive: DefaultKeepAlive}}
}

// Host returns the host part of a network address. Bare IP addresses (IPv6 included,
// with or without brackets) and host names without a port are returned as they are.
func (m *Manager) Host(networkName string) (string, error) {
	if networkName == "" {
		return "", fmt.Errorf("%s - empty network address", logPrefix)
	}
	bare := strings.TrimSuffix(strings.TrimPrefix(networkName, "["), "]")
	if _, err := netip.ParseAddr(bare); err == nil {
		return bare, nil
	}
	host, _, err := net.SplitHostPort(networkName)
	if err == nil {
		return host, nil
	}
	if !strings.Contains(networkName, ":") {
		return networkName, nil
	}
	return "", fmt.Errorf("%s - invalid network address %q: %w", logPrefix, networkName, err)
}

// OpenActiveConnection dials address. The dial is bounded by ctx.
func (m *Manager) OpenActiveConnection(ctx context.Context, address, channelType string) (io.ReadWriteCloser, error) {
	network, err := transport(channelType)
	if err != nil {
		return nil, err
	}
	conn, err := m.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to %s: %w", logPrefix, address, err)
	}
	slog.Debug(fmt.Sprintf("%s - Opened %s channel to %s", logPrefix, channelType, address))
	return conn, nil
}

// transport maps a channel type to a dial network. An empty type means TCP.
func transport(channelType string) (string, error) {
	t := channelType
	if i := strings.LastIndex(t, ":"); i >= 0 {
		t = t[i+1:]
	}
	switch strings.ToLower(t) {
	case "", "tcp":
		return "tcp", nil
	case "tcp4":
		return "tcp4", nil
	case "tcp6":
		return "tcp6", nil
	}
	return "", fmt.Errorf("%s - unsupported channel type %q", logPrefix, channelType)
}
