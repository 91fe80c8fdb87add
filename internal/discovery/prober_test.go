package discovery

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
	"github.com/funnel-mesh/funnel/internal/testutil"
)

// fakeResponder answers discovery probes on loopback with a fixed
// descriptor. Returns the port it listens on.
func fakeResponder(t *testing.T, desc capability.Descriptor) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, constants.MaxDatagram)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if strings.TrimSpace(string(buf[:n])) != constants.DiscoverMagic {
				continue
			}
			data, err := json.Marshal(desc)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(data, src)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestProbeAddr(t *testing.T) {
	peer := capability.Descriptor{
		AgentID:  "remote-agent",
		Hostname: "remotehost",
		Platform: capability.PlatformLinux,
		// Self-reported address that must be overridden by the reply source.
		IPAddress: "203.0.113.50",
	}
	port := fakeResponder(t, peer)

	self := capability.Descriptor{AgentID: "local-agent"}
	prober := NewProber(ProberConfig{
		Group:          constants.MulticastGroup,
		Port:           port,
		DefaultTimeout: 2 * time.Second,
	}, self, testutil.NewTestLogger(t))

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	found, err := prober.ProbeAddr(ctx, "127.0.0.1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "remote-agent", found.AgentID)
	assert.Equal(t, "127.0.0.1", found.IPAddress)
}

func TestProbeAddrInvalidAddress(t *testing.T) {
	prober := NewProber(ProberConfig{
		Group: constants.MulticastGroup,
		Port:  constants.DefaultDiscoveryPort,
	}, capability.Descriptor{AgentID: "local-agent"}, testutil.NewTestLogger(t))

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	_, err := prober.ProbeAddr(ctx, "not-an-ip", 100*time.Millisecond)
	assert.Error(t, err)
}

func TestProbeAddrNoReply(t *testing.T) {
	// Nobody listens on this port.
	port := freeUDPPort(t)
	prober := NewProber(ProberConfig{
		Group: constants.MulticastGroup,
		Port:  port,
	}, capability.Descriptor{AgentID: "local-agent"}, testutil.NewTestLogger(t))

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	_, err := prober.ProbeAddr(ctx, "127.0.0.1", 200*time.Millisecond)
	assert.Error(t, err)
}

func TestDiscoverAlwaysIncludesSelf(t *testing.T) {
	self := capability.Descriptor{AgentID: "local-agent", Hostname: "localhost"}
	prober := NewProber(ProberConfig{
		Group: constants.MulticastGroup,
		Port:  freeUDPPort(t),
	}, self, testutil.NewTestLogger(t))

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	found := prober.Discover(ctx, 150*time.Millisecond)
	require.NotEmpty(t, found)
	last := found[len(found)-1]
	assert.Equal(t, "local-agent", last.AgentID)
}
