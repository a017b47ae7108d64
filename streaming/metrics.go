// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mipstream"

// StatsCollector exports Stats to prometheus.
type StatsCollector struct {
	stats *Stats

	bytesSubmitted    *prometheus.Desc
	mipsSubmitted     *prometheus.Desc
	bytesNotSubmitted *prometheus.Desc
	poolInUse         *prometheus.Desc
	poolBound         *prometheus.Desc
	poolPersistent    *prometheus.Desc
	allocFails        *prometheus.Desc
	outOfMemory       *prometheus.Desc
	bytesRead         *prometheus.Desc
	bytesUploaded     *prometheus.Desc
	requests          *prometheus.Desc
	streamSeconds     *prometheus.Desc
}

// NewStatsCollector creates a collector reading stats on every scrape.
func NewStatsCollector(stats *Stats) *StatsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &StatsCollector{
		stats:             stats,
		bytesSubmitted:    desc("submitted_bytes", "Bytes issued to io and not completed."),
		mipsSubmitted:     desc("submitted_mips", "Mips issued to io and not completed."),
		bytesNotSubmitted: desc("required_not_submitted_bytes", "Bytes wanted in the last frame but deferred."),
		poolInUse:         desc("pool_in_use_bytes", "Device bytes owned by the pool."),
		poolBound:         desc("pool_bound_bytes", "Pool bytes bound to textures."),
		poolPersistent:    desc("pool_bound_persistent_bytes", "Pool bytes bound to persistent tails."),
		allocFails:        desc("pool_allocation_failures_total", "Failed pool acquisitions."),
		outOfMemory:       desc("out_of_memory", "Whether the engine is out of memory."),
		bytesRead:         desc("read_bytes_total", "Bytes read by streaming."),
		bytesUploaded:     desc("uploaded_bytes_total", "Bytes uploaded by streaming."),
		requests:          desc("requests_total", "Finished stream requests.", "result"),
		streamSeconds:     desc("stream_seconds_total", "Time from issue to commit of committed stream ins."),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.bytesSubmitted, c.mipsSubmitted, c.bytesNotSubmitted,
		c.poolInUse, c.poolBound, c.poolPersistent, c.allocFails, c.outOfMemory,
		c.bytesRead, c.bytesUploaded, c.requests, c.streamSeconds,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.bytesSubmitted, s.BytesSubmitted)
	gauge(c.mipsSubmitted, s.MipsSubmitted)
	gauge(c.bytesNotSubmitted, s.BytesRequiredNotSubmitted)
	gauge(c.poolInUse, s.PoolInUse)
	gauge(c.poolBound, s.PoolBound)
	gauge(c.poolPersistent, s.PoolBoundPersistent)
	counter(c.allocFails, s.AllocFails)
	var oom int64
	if s.OutOfMemory {
		oom = 1
	}
	gauge(c.outOfMemory, oom)
	counter(c.bytesRead, s.BytesRead)
	counter(c.bytesUploaded, s.BytesUploaded)
	counter(c.requests, s.RequestsCommitted, "committed")
	counter(c.requests, s.RequestsAborted, "aborted")
	ch <- prometheus.MustNewConstMetric(c.streamSeconds, prometheus.CounterValue, s.StreamTime.Seconds())
}
