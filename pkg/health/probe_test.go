package health

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChecker struct {
	calls   atomic.Int32
	healthy func(call int) bool
}

func (s *scriptedChecker) Check(ctx context.Context) Result {
	call := int(s.calls.Add(1))
	return Result{Healthy: s.healthy(call), Message: "scripted", CheckedAt: time.Now()}
}

func (s *scriptedChecker) Type() CheckType { return CheckTypeHTTP }

func TestProbe_SucceedsAfterFailures(t *testing.T) {
	checker := &scriptedChecker{healthy: func(call int) bool { return call >= 3 }}
	config := Config{Interval: time.Millisecond, Timeout: time.Second, Retries: 5}

	var seen int
	status, err := Probe(context.Background(), checker, config, func(Result) { seen++ })
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 3, status.Checks)
	assert.Equal(t, 3, seen)
}

func TestProbe_FailureThreshold(t *testing.T) {
	checker := &scriptedChecker{healthy: func(int) bool { return false }}
	config := Config{Interval: time.Millisecond, Timeout: time.Second, Retries: 4}

	status, err := Probe(context.Background(), checker, config, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProbeFailed))

	var probeErr *ProbeError
	require.True(t, errors.As(err, &probeErr))
	assert.Equal(t, 4, probeErr.Attempts)
	assert.Equal(t, int32(4), checker.calls.Load())
	assert.False(t, status.Healthy)
}

func TestProbe_StartPeriod(t *testing.T) {
	checker := &scriptedChecker{healthy: func(int) bool { return true }}
	config := Config{StartPeriod: 50 * time.Millisecond, Interval: time.Millisecond, Retries: 1}

	start := time.Now()
	_, err := Probe(context.Background(), checker, config, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestProbe_Canceled(t *testing.T) {
	checker := &scriptedChecker{healthy: func(int) bool { return false }}
	config := Config{Interval: time.Hour, Retries: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Probe(ctx, checker, config, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type fakeExecer struct {
	code int
	out  string
	err  error
}

func (f *fakeExecer) Exec(ctx context.Context, id string, cmd []string, output io.Writer) (int, error) {
	if f.err != nil {
		return -1, f.err
	}
	io.WriteString(output, f.out) //nolint:errcheck
	return f.code, nil
}

func TestExecChecker(t *testing.T) {
	healthy := NewExecChecker(&fakeExecer{out: "accepting connections"}, "db", []string{"pg_isready"}).Check(context.Background())
	assert.True(t, healthy.Healthy)
	assert.Contains(t, healthy.Message, "accepting connections")

	failing := NewExecChecker(&fakeExecer{code: 2}, "db", []string{"pg_isready"}).Check(context.Background())
	assert.False(t, failing.Healthy)
	assert.Contains(t, failing.Message, "Exit code: 2")

	broken := NewExecChecker(&fakeExecer{err: errors.New("no such container")}, "db", []string{"pg_isready"}).Check(context.Background())
	assert.False(t, broken.Healthy)

	empty := NewExecChecker(&fakeExecer{}, "db", nil).Check(context.Background())
	assert.False(t, empty.Healthy)
	assert.Equal(t, CheckTypeExec, NewExecChecker(nil, "", nil).Type())
}

type fakeLogs struct {
	text string
}

func (f *fakeLogs) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.text)), nil
}

func TestLogChecker(t *testing.T) {
	source := &fakeLogs{text: "booting\nlistening on :8080\n"}

	checker, err := NewLogChecker(source, "api", `listening on :\d+`)
	require.NoError(t, err)

	result := checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	checker, err = NewLogChecker(source, "api", `ready`)
	require.NoError(t, err)
	assert.False(t, checker.Check(context.Background()).Healthy)

	_, err = NewLogChecker(source, "api", `(`)
	assert.Error(t, err)
}
