package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer.start.IsZero() {
		t.Fatal("NewTimer() start time is zero")
	}
	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("Duration() not increasing: first=%v, second=%v", first, second)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_pull_wait_seconds",
		Help: "Test histogram",
	})

	NewTimer().ObserveDuration(histogram)

	if n := testutil.CollectAndCount(histogram); n != 1 {
		t.Errorf("expected 1 collected metric, got %d", n)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_action_duration_seconds",
		Help: "Test histogram vec",
	}, []string{"action"})

	timer := NewTimer()
	timer.ObserveDurationVec(histogram, "pull")
	timer.ObserveDurationVec(histogram, "start")

	if n := testutil.CollectAndCount(histogram); n != 2 {
		t.Errorf("expected 2 label sets, got %d", n)
	}
}

func TestResult(t *testing.T) {
	if Result(nil) != "success" {
		t.Error("nil error should be a success")
	}
	if Result(errors.New("boom")) == "success" {
		t.Error("error should be a failure")
	}
}
