package metrics

import (
	"sort"
	"strings"
	"time"
)

// NamespaceSnapshot is a point-in-time view of one namespace
type NamespaceSnapshot struct {
	Name   string
	Status string
	Apps   map[string]string // App name -> status
}

// Source provides namespace snapshots to the collector
type Source interface {
	Snapshot() []NamespaceSnapshot
}

// Collector periodically turns namespace snapshots into gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snapshots := c.source.Snapshot()

	// Namespaces that disappeared must not keep reporting
	NamespacesTotal.Reset()
	AppsTotal.Reset()

	var stalled []string
	for _, ns := range snapshots {
		NamespacesTotal.WithLabelValues(ns.Status).Inc()
		if ns.Status == "STALLED" {
			stalled = append(stalled, ns.Name)
		}

		counts := make(map[string]int)
		for _, status := range ns.Apps {
			counts[status]++
		}
		for status, count := range counts {
			AppsTotal.WithLabelValues(ns.Name, status).Set(float64(count))
		}
	}

	if len(stalled) > 0 {
		sort.Strings(stalled)
		UpdateComponent(ComponentReconciler, false, "stalled: "+strings.Join(stalled, ", "))
	} else {
		UpdateComponent(ComponentReconciler, true, "")
	}
}
