// Package privilege reports the process's elevation state. Agents
// advertise it so callers know whether elevation-gated commands can
// succeed before dispatching them.
package privilege

import "os"

// IsElevated reports whether the process runs with administrative
// rights. On unix that means effective uid 0; sudo without -E still
// qualifies because the euid is what the kernel checks.
func IsElevated() bool {
	return os.Geteuid() == 0
}

// RunningUnderSudo reports whether the process was launched through
// sudo, as opposed to a genuine root login.
func RunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}
