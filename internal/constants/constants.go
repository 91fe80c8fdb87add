// Package constants defines the wire protocol and trust configuration.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".funnel"

	// AgentIDFile stores the persisted agent identity under DefaultDir.
	AgentIDFile = "agent-id"

	// DiscoverMagic is the bare datagram that requests a capability reply.
	DiscoverMagic = "FUNNEL_DISCOVER"

	// DiscoverPeersMagic requests the full known peer set, after a fresh probe.
	DiscoverPeersMagic = "FUNNEL_DISCOVER_PEERS"

	// GossipPrefix precedes a JSON gossip payload on the discovery socket.
	GossipPrefix = "FUNNEL_GOSSIP:"

	// MulticastGroup is the organization-local discovery group.
	MulticastGroup = "239.76.87.82"

	// PinnedCAFingerprint is the SHA-256 fingerprint of the only CA whose
	// client certificates are accepted. Overridable via FUNNEL_CA_FINGERPRINT
	// for deployments running their own CA.
	PinnedCAFingerprint = "9f2ce2fa4fc74bbbd73ab09e4b8be0f3b62e0cbbd9a4d2ff0f8e5a1c6d9b4e71"
)
