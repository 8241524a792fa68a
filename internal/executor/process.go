package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// ProcessProvider executes tasks by running a configured command. The
// task's description is written to the command's stdin and stdout becomes
// the result payload. Each invocation gets its own process group so a
// context cancellation tears down the whole subprocess tree.
type ProcessProvider struct {
	Command string
	Args    []string
	// Env entries appended to the subprocess environment; the task id and
	// worker type are always added.
	Env []string
}

// NewProcessProvider creates a subprocess-backed provider.
func NewProcessProvider(command string, args ...string) *ProcessProvider {
	return &ProcessProvider{Command: command, Args: args}
}

// Execute implements Provider.
func (p *ProcessProvider) Execute(ctx context.Context, t *task.Task) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Own process group for clean teardown
	}
	cmd.Env = append(cmd.Environ(),
		append([]string{
			"ABATHUR_TASK_ID=" + t.ID,
			"ABATHUR_WORKER_TYPE=" + t.WorkerType,
		}, p.Env...)...)
	cmd.Stdin = strings.NewReader(t.Description)

	stdout, _, err := drainCommand(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return string(bytes.TrimSpace(stdout)), nil
}

// drainCommand starts cmd and reads stdout and stderr concurrently before
// waiting, so subprocess output larger than the pipe buffer cannot
// deadlock the wait.
func drainCommand(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}
