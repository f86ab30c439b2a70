//go:build windows

package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess succeeding on Windows means a handle could be opened.
	defer func() { _ = process.Release() }()
	return true
}

// terminateProcess has no graceful signal on Windows; Kill is the
// equivalent of both steps.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

// killProcess forcibly ends the process.
func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

// describeExit renders how the child ended.
func describeExit(cmd *exec.Cmd, err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return err.Error()
}
