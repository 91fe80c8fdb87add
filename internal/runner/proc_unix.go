//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

const scriptExt = ".sh"

// shellCommand wraps a command line for the platform shell.
func shellCommand(command string) (string, []string) {
	return "/bin/sh", []string{"-c", command}
}

// scriptInvocation builds the shell command that runs a scratch script.
func scriptInvocation(path string) string {
	return "/bin/sh '" + path + "'"
}

// sysProcAttr puts the child in its own process group so the whole tree
// can be torn down on timeout or cancel.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killTree kills the child's entire process group.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
