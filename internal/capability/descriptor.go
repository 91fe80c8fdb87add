// Package capability defines the self-description an agent advertises
// during discovery and gossip.
package capability

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/funnel-mesh/funnel/internal/privilege"
)

// TagElevated marks agents running with administrative rights.
const TagElevated = "elevated"

// Platform identifies the operating system family of an agent.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformUnknown Platform = "unknown"
)

// Descriptor is the wire-serializable capability advertisement.
// Treated as an immutable value: holders replace it wholesale, never
// mutate fields in place.
//
// AgentID is a routing identity, not an authentication credential; the
// TLS layer performs the real proof. CertificateFingerprint is likewise
// advertised for audit only. IPAddress is filled in by the receiver from
// the datagram's source address so peers cannot claim arbitrary
// addresses.
type Descriptor struct {
	AgentID                string   `json:"agentId"`
	Hostname               string   `json:"hostname"`
	Platform               Platform `json:"platform"`
	Capabilities           []string `json:"capabilities"`
	WorkspaceRoots         []string `json:"workspaceRoots"`
	CertificateFingerprint string   `json:"certificateFingerprint,omitempty"`
	DiscoveryPort          int      `json:"discoveryPort"`
	RPCPort                int      `json:"rpcPort"`
	IPAddress              string   `json:"ipAddress,omitempty"`
}

// WithAddress returns a copy of the descriptor with its address replaced.
func (d Descriptor) WithAddress(ip string) Descriptor {
	d.IPAddress = ip
	return d
}

// HasCapability reports whether the descriptor advertises the given tag.
func (d Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// DetectPlatform maps the host OS to a Platform value.
// gopsutil gives the same answer as runtime.GOOS for the platform
// family but also works when cross-checking reported host info.
func DetectPlatform() Platform {
	goos := runtime.GOOS
	if info, err := host.Info(); err == nil && info.OS != "" {
		goos = info.OS
	}
	switch goos {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformMacOS
	default:
		return PlatformUnknown
	}
}

// LocalOptions configures construction of the local agent's descriptor.
type LocalOptions struct {
	AgentID                string
	Capabilities           []string
	WorkspaceRoots         []string
	CertificateFingerprint string
	DiscoveryPort          int
	RPCPort                int
}

// NewLocal builds the descriptor the local agent advertises.
// Hostname and platform come from the host itself; the address is left
// empty because receivers fill it from the packet source. An elevated
// process additionally advertises the "elevated" tag so callers know
// elevation-gated commands can succeed here.
func NewLocal(opts LocalOptions) Descriptor {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	caps := opts.Capabilities
	if privilege.IsElevated() {
		caps = append(append([]string(nil), caps...), TagElevated)
	}

	return Descriptor{
		AgentID:                opts.AgentID,
		Hostname:               hostname,
		Platform:               DetectPlatform(),
		Capabilities:           caps,
		WorkspaceRoots:         opts.WorkspaceRoots,
		CertificateFingerprint: opts.CertificateFingerprint,
		DiscoveryPort:          opts.DiscoveryPort,
		RPCPort:                opts.RPCPort,
	}
}
