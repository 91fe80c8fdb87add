package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnel-mesh/funnel/internal/capability"
	"github.com/funnel-mesh/funnel/internal/config"
	"github.com/funnel-mesh/funnel/internal/discovery"
	"github.com/funnel-mesh/funnel/internal/logging"
)

// NewDiscoverCmd creates the discover command: a one-shot network probe
// that prints whoever answers, without starting an agent.
func NewDiscoverCmd() *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
		probeIP string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Probe the network for running agents",
		Long: `Probe the network for running funnel agents and print the results.

Sends a multicast discovery probe on every viable interface (plus
subnet broadcast as a fallback) and collects replies until the timeout.
Use --ip to probe a single address directly, for peers on subnets
multicast cannot reach.

Examples:
  funnel-agent discover
  funnel-agent discover --timeout 5s
  funnel-agent discover --ip 203.0.113.7
  funnel-agent discover --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := logging.New(logging.Config{Level: "warn", Pretty: true})
			self := capability.NewLocal(capability.LocalOptions{
				AgentID: "funnel-discover-cli",
			})
			prober := discovery.NewProber(discovery.ProberConfig{
				Group: cfg.Discovery.MulticastGroup,
				Port:  cfg.Discovery.Port,
			}, self, logger)

			var found []capability.Descriptor
			if probeIP != "" {
				desc, err := prober.ProbeAddr(cmd.Context(), probeIP, timeout)
				if err != nil {
					return err
				}
				found = []capability.Descriptor{desc}
			} else {
				found = prober.Discover(cmd.Context(), timeout)
				// Drop the CLI's own placeholder descriptor.
				filtered := found[:0]
				for _, desc := range found {
					if desc.AgentID != self.AgentID {
						filtered = append(filtered, desc)
					}
				}
				found = filtered
			}

			if asJSON {
				out, err := json.MarshalIndent(found, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(out))
				return nil
			}

			if len(found) == 0 {
				cmd.Println("No agents found")
				return nil
			}
			for _, desc := range found {
				cmd.Printf("%-28s %-15s %-8s %s\n", desc.AgentID, desc.IPAddress, desc.Platform, desc.Hostname)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "How long to wait for replies")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.Flags().StringVar(&probeIP, "ip", "", "Probe a single address instead of the whole network")

	return cmd
}
