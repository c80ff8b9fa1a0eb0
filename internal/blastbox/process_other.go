//go:build !linux && !darwin

package blastbox

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// applyResourceLimits is a no-op on platforms without RLIMIT_AS/RLIMIT_CPU
// (e.g. Windows); only the context deadline bounds the run there.
func applyResourceLimits(cfg Config) (restore func(), err error) {
	return func() {}, nil
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCodeOf(cmd *exec.Cmd, runErr error, timedOut bool) (exitCode int, oomKilled bool) {
	if timedOut {
		return -1, false
	}
	if runErr == nil {
		return 0, false
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), false
	}
	return -1, false
}
