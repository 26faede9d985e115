// Package metrics exports virtual field statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
)

var (
	operationsDesc = prometheus.NewDesc(
		"skywalking_virtual_field_operations_total",
		"Virtual field operations by storage path.",
		[]string{"carrier", "payload", "path", "op"}, nil,
	)
	fallbackEntriesDesc = prometheus.NewDesc(
		"skywalking_virtual_field_fallback_entries",
		"Carriers currently tracked in the fallback map.",
		[]string{"carrier", "payload"}, nil,
	)
	boundDesc = prometheus.NewDesc(
		"skywalking_virtual_field_bound",
		"1 when the pair is bound to an injected field at build time.",
		[]string{"carrier", "payload"}, nil,
	)
)

// Collector reads the statistics of every pair resolved in a core.Fields table.
type Collector struct {
	fields *core.Fields
}

func NewCollector(fields *core.Fields) *Collector {
	if fields == nil {
		fields = core.DefaultFields
	}
	return &Collector{fields: fields}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- operationsDesc
	ch <- fallbackEntriesDesc
	ch <- boundDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.fields.Snapshot() {
		carrier, payload := s.Pair.Carrier, s.Pair.Payload
		ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(s.FastGets), carrier, payload, "field", "get")
		ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(s.FastSets), carrier, payload, "field", "set")
		ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(s.SlowGets), carrier, payload, "fallback", "get")
		ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(s.SlowSets), carrier, payload, "fallback", "set")
		ch <- prometheus.MustNewConstMetric(fallbackEntriesDesc, prometheus.GaugeValue, float64(s.FallbackEntries), carrier, payload)
		bound := 0.0
		if s.Bound {
			bound = 1
		}
		ch <- prometheus.MustNewConstMetric(boundDesc, prometheus.GaugeValue, bound, carrier, payload)
	}
}

// Register adds a collector for core.DefaultFields to reg.
func Register(reg prometheus.Registerer) error {
	return reg.Register(NewCollector(nil))
}
