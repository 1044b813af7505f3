//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// createNewProcessGroup detaches the daemon from the console's Ctrl+C group.
const createNewProcessGroup = 0x00000200

func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
