package agent

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/funnel-mesh/funnel/internal/agent"
	"github.com/funnel-mesh/funnel/internal/config"
	"github.com/funnel-mesh/funnel/internal/logging"
)

// NewStartCmd creates the start command.
func NewStartCmd() *cobra.Command {
	var (
		logPretty bool
		insecure  bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a funnel agent as a daemon",
		Long: `Start a funnel agent as a long-running daemon.

The agent will:
- Answer discovery probes with its capability descriptor
- Actively probe the network and maintain a peer registry
- Gossip its peer set so knowledge crosses subnet boundaries
- Accept authenticated command execution over mutual TLS
- Serve a local plaintext HTTP API for discovery state
- Run until stopped by signal

Configuration sources (in order of precedence):
1. Environment variables (FUNNEL_*)
2. Config file (FUNNEL_CONFIG or ~/.funnel/config.yaml)
3. Defaults

Environment Variables:
  FUNNEL_AGENT_ID        - Override the persisted agent identity
  FUNNEL_CERT_FILE       - Agent certificate (PEM)
  FUNNEL_KEY_FILE        - Agent private key (PEM)
  FUNNEL_CERT_PASSWORD   - Password for an encrypted private key
  FUNNEL_CA_FINGERPRINT  - SHA-256 fingerprint of the trusted CA
  FUNNEL_INSECURE        - Disable peer certificate verification
  FUNNEL_DISCOVERY_PORT  - UDP discovery and gossip port
  FUNNEL_RPC_PORT        - mTLS command dispatch port
  FUNNEL_HTTP_PORT       - Plaintext discovery proxy port
  FUNNEL_LOG_LEVEL       - Logging level (debug, info, warn, error)

Examples:
  # Start with issued trust material
  FUNNEL_CERT_FILE=agent.pem FUNNEL_KEY_FILE=agent.key funnel-agent start

  # Development mode without certificates
  funnel-agent start --insecure

  # Verbose local run
  FUNNEL_LOG_LEVEL=debug funnel-agent start --pretty`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if insecure {
				cfg.Trust.Insecure = true
			}

			agentID, err := loader.ResolveAgentID(cfg)
			if err != nil {
				return fmt.Errorf("failed to resolve agent identity: %w", err)
			}

			logger := logging.New(logging.Config{
				Level:   cfg.LogLevel,
				Pretty:  logPretty,
				AgentID: agentID,
			})

			a, err := agent.New(cfg, agentID, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&logPretty, "pretty", false, "Human-readable console logging")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Disable peer certificate verification (development only)")

	return cmd
}
