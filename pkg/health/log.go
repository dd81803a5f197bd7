package health

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

// LogSource streams the output of a container
type LogSource interface {
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
}

// LogChecker watches a container's log stream until a line matches Pattern
type LogChecker struct {
	Pattern     *regexp.Regexp
	ContainerID string

	source LogSource
}

// NewLogChecker compiles pattern and returns a checker reading from source
func NewLogChecker(source LogSource, containerID, pattern string) (*LogChecker, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid log pattern %q: %w", pattern, err)
	}
	return &LogChecker{
		Pattern:     re,
		ContainerID: containerID,
		source:      source,
	}, nil
}

// Check follows the log stream from the beginning and is healthy as soon as
// a line matches. The check fails when ctx ends first.
func (l *LogChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := l.source.Logs(ctx, l.ContainerID, true)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to open logs: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer stream.Close()

	// The scanner blocks in Read; closing the stream on cancel unblocks it
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if l.Pattern.MatchString(line) {
			return Result{
				Healthy:   true,
				Message:   fmt.Sprintf("log matched %q: %s", l.Pattern.String(), line),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
	}

	message := fmt.Sprintf("no log line matched %q", l.Pattern.String())
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	return Result{
		Healthy:   false,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (l *LogChecker) Type() CheckType {
	return CheckTypeLog
}
