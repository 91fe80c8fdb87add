package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
)

func TestDecodeDiscover(t *testing.T) {
	msg, err := Decode([]byte(constants.DiscoverMagic))
	require.NoError(t, err)
	assert.Equal(t, KindDiscover, msg.Kind)

	// Trailing whitespace from sloppy senders is tolerated.
	msg, err = Decode([]byte(constants.DiscoverMagic + "\n"))
	require.NoError(t, err)
	assert.Equal(t, KindDiscover, msg.Kind)
}

func TestDecodeDiscoverPeers(t *testing.T) {
	msg, err := Decode([]byte(constants.DiscoverPeersMagic))
	require.NoError(t, err)
	assert.Equal(t, KindDiscoverPeers, msg.Kind)
}

func TestDecodeGossipRoundTrip(t *testing.T) {
	payload := GossipPayload{
		SourceAgentID: "agent-a",
		Peers: []capability.Descriptor{
			{AgentID: "agent-a", Hostname: "alpha", Platform: capability.PlatformLinux},
			{AgentID: "agent-b", Hostname: "bravo", IPAddress: "10.0.0.2"},
		},
	}

	data, err := EncodeGossip(payload)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindGossip, msg.Kind)
	require.NotNil(t, msg.Gossip)
	assert.Equal(t, "agent-a", msg.Gossip.SourceAgentID)
	require.Len(t, msg.Gossip.Peers, 2)
	assert.Equal(t, "10.0.0.2", msg.Gossip.Peers[1].IPAddress)
}

func TestDecodeMalformedGossip(t *testing.T) {
	_, err := Decode([]byte(constants.GossipPrefix + "{not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(constants.GossipPrefix + `{"peers":[]}`))
	assert.Error(t, err, "gossip without a source id is rejected")
}

func TestDecodeNoise(t *testing.T) {
	for _, noise := range []string{"", "SSDP NOTIFY", "FUNNEL_DISCOVERX", "\x00\x01\x02"} {
		msg, err := Decode([]byte(noise))
		assert.NoError(t, err, "noise %q must not error", noise)
		assert.Equal(t, KindUnknown, msg.Kind)
	}
}
