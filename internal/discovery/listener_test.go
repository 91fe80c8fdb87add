package discovery

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
	"github.com/funnel-mesh/funnel/internal/registry"
	"github.com/funnel-mesh/funnel/internal/testutil"
)

// freeUDPPort grabs an ephemeral port for a listener under test. There
// is a narrow reuse window between close and bind, acceptable in tests.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func startListener(t *testing.T, self capability.Descriptor, reg *registry.Registry) (*net.UDPAddr, context.CancelFunc) {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	port := freeUDPPort(t)

	prober := NewProber(ProberConfig{
		Group:          constants.MulticastGroup,
		Port:           port,
		DefaultTimeout: 100 * time.Millisecond,
	}, self, logger)

	listener := NewListener(ListenerConfig{
		Port:         port,
		Group:        constants.MulticastGroup,
		ProbeTimeout: 100 * time.Millisecond,
	}, self, reg, prober, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	})

	// Give the listener a moment to bind before tests fire datagrams.
	time.Sleep(50 * time.Millisecond)
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, cancel
}

func sendAndReceive(t *testing.T, dst *net.UDPAddr, payload []byte, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.WriteToUDP(payload, dst)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, constants.MaxDatagram)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestListenerAnswersDiscover(t *testing.T) {
	self := capability.Descriptor{
		AgentID:      "test-agent",
		Hostname:     "testhost",
		Platform:     capability.PlatformLinux,
		Capabilities: []string{"shell"},
		RPCPort:      constants.DefaultRPCPort,
	}
	reg := registry.New(self.AgentID, constants.DefaultPeerTTL)
	addr, _ := startListener(t, self, reg)

	reply, ok := sendAndReceive(t, addr, []byte(constants.DiscoverMagic), 2*time.Second)
	require.True(t, ok, "expected a capability reply")

	var desc capability.Descriptor
	require.NoError(t, json.Unmarshal(reply, &desc))
	assert.Equal(t, "test-agent", desc.AgentID)
	assert.Equal(t, capability.PlatformLinux, desc.Platform)
	assert.True(t, desc.HasCapability("shell"))
}

func TestListenerAnswersDiscoverPeers(t *testing.T) {
	self := capability.Descriptor{AgentID: "test-agent", Hostname: "testhost"}
	reg := testutil.NewTestRegistry(self.AgentID, 2)
	addr, _ := startListener(t, self, reg)

	reply, ok := sendAndReceive(t, addr, []byte(constants.DiscoverPeersMagic), 3*time.Second)
	require.True(t, ok, "expected a peers reply")

	var resp PeersResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.Equal(t, "test-agent", resp.DiscoveredBy)
	assert.Equal(t, len(resp.Agents), resp.Count)

	ids := make(map[string]bool)
	for _, desc := range resp.Agents {
		ids[desc.AgentID] = true
	}
	assert.True(t, ids["test-agent"], "response includes the answering agent")
	assert.True(t, ids["peer-0"], "response includes cached registry entries")
	assert.True(t, ids["peer-1"])
}

func TestListenerMergesGossip(t *testing.T) {
	self := capability.Descriptor{AgentID: "test-agent"}
	reg := registry.New(self.AgentID, constants.DefaultPeerTTL)
	addr, _ := startListener(t, self, reg)

	payload := GossipPayload{
		SourceAgentID: "gossiper",
		Peers: []capability.Descriptor{
			// Claimed address must be overridden by the packet source.
			{AgentID: "gossiper", IPAddress: "198.51.100.7"},
			{AgentID: "second-hand", IPAddress: "10.0.0.5"},
			{AgentID: "test-agent", IPAddress: "10.0.0.1"},
		},
	}
	data, err := EncodeGossip(payload)
	require.NoError(t, err)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.WriteToUDP(data, addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reg.Count() == 2
	}, 2*time.Second, 20*time.Millisecond)

	gossiper, ok := reg.Get("gossiper")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", gossiper.IPAddress,
		"source address from the wire beats the self-reported one")

	second, ok := reg.Get("second-hand")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", second.IPAddress)

	_, ok = reg.Get("test-agent")
	assert.False(t, ok, "own id never enters the registry")
}

func TestListenerIgnoresNoise(t *testing.T) {
	self := capability.Descriptor{AgentID: "test-agent"}
	reg := registry.New(self.AgentID, constants.DefaultPeerTTL)
	addr, _ := startListener(t, self, reg)

	_, ok := sendAndReceive(t, addr, []byte("SSDP NOTIFY * HTTP/1.1"), 300*time.Millisecond)
	assert.False(t, ok, "unknown datagrams must not provoke a reply")

	_, ok = sendAndReceive(t, addr, []byte(constants.GossipPrefix+"{broken"), 300*time.Millisecond)
	assert.False(t, ok, "malformed gossip must not provoke a reply")
	assert.Equal(t, 0, reg.Count())
}
