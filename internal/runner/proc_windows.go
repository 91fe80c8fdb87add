//go:build windows

package runner

import (
	"os/exec"
	"strconv"
	"syscall"
)

const scriptExt = ".cmd"

// shellCommand wraps a command line for the platform shell.
func shellCommand(command string) (string, []string) {
	return "cmd.exe", []string{"/C", command}
}

// scriptInvocation builds the shell command that runs a scratch script.
func scriptInvocation(path string) string {
	return "\"" + path + "\""
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killTree kills the child and everything it spawned. taskkill /T is
// the only reliable way to take down a tree on Windows.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
}
