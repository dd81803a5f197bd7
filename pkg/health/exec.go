package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Execer runs a command inside a container and returns its exit code
type Execer interface {
	Exec(ctx context.Context, id string, cmd []string, output io.Writer) (int, error)
}

// ExecChecker performs exec-based health checks by running a command
// inside a container
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// ContainerID is the ID of the container to exec into
	ContainerID string

	engine Execer
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(engine Execer, containerID string, command []string) *ExecChecker {
	return &ExecChecker{
		Command:     command,
		Timeout:     10 * time.Second,
		ContainerID: containerID,
		engine:      engine,
	}
}

// Check performs the exec health check. Exit code 0 is healthy.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// Create context with timeout
	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var output bytes.Buffer
	code, err := e.engine.Exec(execCtx, e.ContainerID, e.Command, &output)

	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if out := strings.TrimSpace(output.String()); out != "" {
		// Include output in message (truncated if too long)
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, out)
	}

	if code != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Exit code: %d", message, code),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}
