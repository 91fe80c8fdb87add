// Package discovery implements the UDP discovery wire protocol: the
// listener answering probes and gossip, and the prober that actively
// searches the network for peers.
package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/constants"
)

// Kind tags the decoded variant of an inbound datagram. The protocol
// multiplexes message types over one socket with magic strings; this is
// the single place that knows about the prefixes.
type Kind int

const (
	KindUnknown Kind = iota
	KindDiscover
	KindDiscoverPeers
	KindGossip
)

// Message is a decoded datagram.
type Message struct {
	Kind   Kind
	Gossip *GossipPayload
}

// GossipPayload is the JSON carried after the gossip prefix.
type GossipPayload struct {
	SourceAgentID string                  `json:"sourceAgentId"`
	Peers         []capability.Descriptor `json:"peers"`
}

// PeersResponse answers a DISCOVER_PEERS request with the full known
// peer set, including the answering agent itself.
type PeersResponse struct {
	DiscoveredBy string                  `json:"discoveredBy"`
	Agents       []capability.Descriptor `json:"agents"`
	Count        int                     `json:"count"`
}

// Decode classifies a raw datagram. Unknown or malformed content maps
// to KindUnknown with a non-nil error for logging; the protocol treats
// it as noise, never as a hard failure.
func Decode(data []byte) (Message, error) {
	text := strings.TrimSpace(string(data))

	switch {
	case text == constants.DiscoverMagic:
		return Message{Kind: KindDiscover}, nil

	case text == constants.DiscoverPeersMagic:
		return Message{Kind: KindDiscoverPeers}, nil

	case strings.HasPrefix(text, constants.GossipPrefix):
		payload := &GossipPayload{}
		raw := strings.TrimPrefix(text, constants.GossipPrefix)
		if err := json.Unmarshal([]byte(raw), payload); err != nil {
			return Message{}, fmt.Errorf("malformed gossip payload: %w", err)
		}
		if payload.SourceAgentID == "" {
			return Message{}, fmt.Errorf("gossip payload missing sourceAgentId")
		}
		return Message{Kind: KindGossip, Gossip: payload}, nil

	default:
		return Message{}, nil
	}
}

// EncodeGossip frames a gossip payload for the wire.
func EncodeGossip(payload GossipPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gossip payload: %w", err)
	}
	return append([]byte(constants.GossipPrefix), data...), nil
}
