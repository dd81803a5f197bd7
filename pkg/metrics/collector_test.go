package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticSource []NamespaceSnapshot

func (s staticSource) Snapshot() []NamespaceSnapshot { return s }

func TestCollector_Collect(t *testing.T) {
	resetHealth(t)

	c := NewCollector(staticSource{
		{Name: "dev", Status: "RUNNING", Apps: map[string]string{"api": "RUNNING", "db": "RUNNING", "worker": "STOPPED"}},
		{Name: "qa", Status: "STALLED", Apps: map[string]string{"api": "PULL_FAILED"}},
	})
	c.collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(NamespacesTotal.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NamespacesTotal.WithLabelValues("STALLED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(AppsTotal.WithLabelValues("dev", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AppsTotal.WithLabelValues("qa", "PULL_FAILED")))

	comp := healthChecker.components[ComponentReconciler]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "stalled: qa", comp.Message)

	c.source = staticSource{}
	c.collect()
	assert.Equal(t, 0, testutil.CollectAndCount(AppsTotal))
	assert.True(t, healthChecker.components[ComponentReconciler].Healthy)
}
