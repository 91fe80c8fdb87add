package testutil

import (
	"fmt"
	"time"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/registry"
)

// NewTestRegistry creates an isolated registry pre-populated with n
// sequentially numbered peers.
func NewTestRegistry(selfID string, n int) *registry.Registry {
	reg := registry.New(selfID, 5*time.Minute)
	for i := 0; i < n; i++ {
		reg.AddOrUpdate(capability.Descriptor{
			AgentID:       fmt.Sprintf("peer-%d", i),
			Hostname:      fmt.Sprintf("host-%d", i),
			Platform:      capability.PlatformLinux,
			DiscoveryPort: 41420,
			RPCPort:       41235,
			IPAddress:     fmt.Sprintf("10.0.0.%d", i+1),
		})
	}
	return reg
}
