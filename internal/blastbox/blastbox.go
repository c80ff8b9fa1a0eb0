// Package blastbox runs an approved proposal's shell command in an
// isolated subprocess and produces a hashed evidence packet of everything
// that happened: exit code, captured output, timing, and a workspace diff.
//
// Isolation here means a dedicated process group, a scratch working
// directory, a context deadline, and — on Linux and Darwin —
// syscall.Rlimit caps on the child's address space and CPU time; not
// container isolation. See sandbox.go for the shape this was grounded on
// and why Docker/WASM were not carried over.
package blastbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/gavelhq/gavel/internal/canon"
)

// OutputMaxBytes caps how much of stdout/stderr is retained per stream.
const OutputMaxBytes = 64 * 1024

// Deterministic error codes for sandbox-level failures.
const (
	ErrSandboxUnavailable = "SANDBOX_UNAVAILABLE"
)

// SandboxError is returned when the Blast Box itself could not run the
// command at all (as opposed to the command running and failing, which is
// a normal Result with a nonzero ExitCode).
type SandboxError struct {
	Code    string
	Message string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config tunes a single run. Every field is recorded verbatim into the
// packet's Environment, even on platforms that cannot enforce it natively.
type Config struct {
	Image          string
	NetworkMode    string // recorded verbatim into the evidence packet; defaults to "none"
	MemoryLimit    string
	CPUs           string
	TimeoutSeconds time.Duration
	Workspace      string // if empty, a fresh temp dir is created and removed after the run
	Shell          string // defaults to "sh"
}

func networkModeOf(cfg Config) string {
	if cfg.NetworkMode == "" {
		return "none"
	}
	return cfg.NetworkMode
}

// EvidencePacket is the hashed record of one Blast Box execution, appended
// to the Ledger as a single EVIDENCE_PACKET event whose payload is this
// struct (after canon.Marshal round-tripping through JSON tags).
type EvidencePacket struct {
	Command      string            `json:"command"`
	ExitCode     int               `json:"exit_code"`
	DurationMS   int64             `json:"duration_ms"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	TimedOut     bool              `json:"timed_out"`
	OOMKilled    bool              `json:"oom_killed"`
	WorkspaceDiff PersistedDiff    `json:"workspace_diff"`
	Environment  map[string]string `json:"environment"`
	EvidenceHash string            `json:"evidence_hash"`
}

// hashableFields is exactly the set of fields that participate in
// evidence_hash: command, exit_code, duration_ms, stdout, stderr,
// timed_out, workspace_diff, and environment. EvidenceHash itself is
// obviously excluded since it hashes the rest.
type hashableFields struct {
	Command       string            `json:"command"`
	ExitCode      int               `json:"exit_code"`
	DurationMS    int64             `json:"duration_ms"`
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	TimedOut      bool              `json:"timed_out"`
	WorkspaceDiff PersistedDiff     `json:"workspace_diff"`
	Environment   map[string]string `json:"environment"`
}

// Run executes command inside cfg's workspace and returns a fully hashed
// EvidencePacket, or a *SandboxError if the sandbox runtime itself could
// not be started (missing shell, unwritable workspace). A command that
// runs and fails, times out, or gets OOM-killed is not a SandboxError —
// those are normal outcomes recorded in the packet.
func Run(ctx context.Context, command string, cfg Config) (*EvidencePacket, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, &SandboxError{Code: ErrSandboxUnavailable, Message: fmt.Sprintf("shell %q not found: %v", shell, err)}
	}

	workspace := cfg.Workspace
	cleanup := false
	if workspace == "" {
		dir, err := os.MkdirTemp("", "blastbox_")
		if err != nil {
			return nil, &SandboxError{Code: ErrSandboxUnavailable, Message: fmt.Sprintf("create scratch workspace: %v", err)}
		}
		workspace = dir
		cleanup = true
	}
	if cleanup {
		defer os.RemoveAll(workspace)
	}

	before, err := hashWorkspace(workspace)
	if err != nil {
		return nil, &SandboxError{Code: ErrSandboxUnavailable, Message: fmt.Sprintf("snapshot workspace: %v", err)}
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, shell, "-c", command)
	cmd.Dir = workspace
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	restoreLimits, rlErr := applyResourceLimits(cfg)
	if rlErr != nil {
		restoreLimits = func() {}
	}

	start := time.Now()
	var runErr error
	if startErr := cmd.Start(); startErr != nil {
		restoreLimits()
		return nil, &SandboxError{Code: ErrSandboxUnavailable, Message: fmt.Sprintf("start command: %v", startErr)}
	}
	// The child inherited the tightened rlimits at fork; restore the
	// parent's own limits immediately rather than holding them for the
	// whole run.
	restoreLimits()
	runErr = cmd.Wait()
	duration := time.Since(start)

	timedOut := execCtx.Err() == context.DeadlineExceeded
	if timedOut {
		killProcessGroup(cmd)
	}

	exitCode, oomKilled := exitCodeOf(cmd, runErr, timedOut)

	after, err := hashWorkspace(workspace)
	if err != nil {
		after = before // best effort: the run already happened, diff degrades to empty rather than erroring
	}
	diff := computeDiff(before, after).forPacket()

	packet := &EvidencePacket{
		Command:       command,
		ExitCode:      exitCode,
		DurationMS:    duration.Milliseconds(),
		Stdout:        truncate(stdout.Bytes()),
		Stderr:        truncate(stderr.Bytes()),
		TimedOut:      timedOut,
		OOMKilled:     oomKilled,
		WorkspaceDiff: diff,
		Environment: map[string]string{
			"image":           cfg.Image,
			"network_mode":    networkModeOf(cfg),
			"memory_limit":    cfg.MemoryLimit,
			"cpu_limit":       cfg.CPUs,
			"timeout_seconds": fmt.Sprint(int(timeout.Seconds())),
		},
	}

	hash, err := canon.HashValue(hashableFields{
		Command:       packet.Command,
		ExitCode:      packet.ExitCode,
		DurationMS:    packet.DurationMS,
		Stdout:        packet.Stdout,
		Stderr:        packet.Stderr,
		TimedOut:      packet.TimedOut,
		WorkspaceDiff: packet.WorkspaceDiff,
		Environment:   packet.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("blastbox: hash evidence packet: %w", err)
	}
	packet.EvidenceHash = hash

	return packet, nil
}

func truncate(b []byte) string {
	if len(b) > OutputMaxBytes {
		b = b[:OutputMaxBytes]
	}
	return string(b)
}
