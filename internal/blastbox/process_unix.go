//go:build linux || darwin

package blastbox

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setProcessGroup puts the shell in its own process group so a timeout
// kill can take down every descendant it spawned, not just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// applyResourceLimits tightens the calling process's own RLIMIT_AS and
// RLIMIT_CPU to cfg's memory/time caps, returning a restore func. A child
// started (via exec.Cmd.Start) while the limits are tightened inherits
// them at fork time, so the pattern is: tighten, Start the child, restore
// immediately — the parent only runs under the child's caps for the
// instant between Setrlimit and Start. This is best-effort, not a
// container cgroup: it bounds the child's own address space and CPU time,
// not its descendants once they fork again with fresh limits of their
// own, and it cannot enforce the memory/CPU caps for anything sharing the
// parent process's limits concurrently.
func applyResourceLimits(cfg Config) (restore func(), err error) {
	var prevAS, prevCPU syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_AS, &prevAS); err != nil {
		return nil, err
	}
	if err := syscall.Getrlimit(syscall.RLIMIT_CPU, &prevCPU); err != nil {
		return nil, err
	}
	restore = func() {
		_ = syscall.Setrlimit(syscall.RLIMIT_AS, &prevAS)
		_ = syscall.Setrlimit(syscall.RLIMIT_CPU, &prevCPU)
	}

	if memBytes, ok := parseMemoryLimit(cfg.MemoryLimit); ok {
		lim := clampRlimit(memBytes, prevAS.Max)
		_ = syscall.Setrlimit(syscall.RLIMIT_AS, &lim)
	}
	if cfg.TimeoutSeconds > 0 {
		cpuSecs := uint64(cfg.TimeoutSeconds.Seconds()) + 1
		lim := clampRlimit(cpuSecs, prevCPU.Max)
		_ = syscall.Setrlimit(syscall.RLIMIT_CPU, &lim)
	}
	return restore, nil
}

var rlimInfinitySigned int64 = syscall.RLIM_INFINITY
var rlimInfinity = uint64(rlimInfinitySigned)

func clampRlimit(want, max uint64) syscall.Rlimit {
	cur := want
	if max != rlimInfinity && cur > max {
		cur = max
	}
	return syscall.Rlimit{Cur: cur, Max: max}
}

// parseMemoryLimit accepts plain byte counts or a k/m/g suffix (matching
// the shape BLAST_BOX_MEMORY is configured with, e.g. "256m").
func parseMemoryLimit(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// exitCodeOf extracts the exit code and a best-effort OOM signal from a
// finished command. A timeout always reports exit code -1.
func exitCodeOf(cmd *exec.Cmd, runErr error, timedOut bool) (exitCode int, oomKilled bool) {
	if timedOut {
		return -1, false
	}
	if runErr == nil {
		return 0, false
	}
	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		return -1, false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), false
	}
	if status.Signaled() && status.Signal() == syscall.SIGKILL {
		// Best-effort: a bare SIGKILL with no timeout recorded is the
		// closest portable signal of an OOM kill without cgroup access.
		oomKilled = true
	}
	return exitErr.ExitCode(), oomKilled
}
