// Package agent provides the funnel-agent CLI commands.
package agent

import (
	"github.com/spf13/cobra"
)

// RegisterCommands registers agent subcommands directly on the root for
// a flat hierarchy ("funnel-agent start", not "funnel-agent agent start").
func RegisterCommands(root *cobra.Command) {
	root.AddCommand(NewStartCmd())
	root.AddCommand(NewDiscoverCmd())
	root.AddCommand(NewFingerprintCmd())
}
