package agent

import (
	"github.com/spf13/cobra"

	"github.com/funnel-mesh/funnel/internal/trust"
)

// NewFingerprintCmd creates the fingerprint command. Operators use it
// to compute the value that gets pinned on every agent.
func NewFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <certificate.pem>",
		Short: "Print the SHA-256 fingerprint of a certificate",
		Long: `Print the SHA-256 fingerprint of a PEM certificate.

Run this against the issuing CA certificate to obtain the value for
FUNNEL_CA_FINGERPRINT; agents only trust peers whose chains terminate
in a certificate with the pinned fingerprint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := trust.FingerprintFile(args[0])
			if err != nil {
				return err
			}
			cmd.Println(fp)
			return nil
		},
	}
}
