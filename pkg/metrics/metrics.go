// Package metrics exposes association manager state as Prometheus metrics.
//
// A nil *Collector is valid and records nothing, so components can call it
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "sctp_mgmt"

// Collector holds the manager's metrics.
type Collector struct {
	up               *prometheus.GaugeVec
	congestion       *prometheus.GaugeVec
	payloads         *prometheus.CounterVec
	payloadBytes     *prometheus.CounterVec
	invalidStreams   *prometheus.CounterVec
	connectAttempts  *prometheus.CounterVec
	sendDelay        *prometheus.HistogramVec
	serversStarted   prometheus.Gauge
	anonymousCurrent *prometheus.GaugeVec
}

// New creates a collector and registers it with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "association_up",
			Help:      "1 while the association is connected.",
		}, []string{"association"}),
		congestion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "association_congestion_level",
			Help:      "Current congestion level (0-3).",
		}, []string{"association"}),
		payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payloads_total",
			Help:      "Payloads sent and received.",
		}, []string{"association", "direction"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payload_bytes_total",
			Help:      "Payload bytes sent and received.",
		}, []string{"association", "direction"}),
		invalidStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invalid_stream_payloads_total",
			Help:      "Inbound payloads on a stream outside the negotiated range.",
		}, []string{"association"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connect_attempts_total",
			Help:      "Client connect attempts by result.",
		}, []string{"association", "result"}),
		sendDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "send_delay_seconds",
			Help:      "Time from enqueue to hand-off to the transport.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 8, 14},
		}, []string{"association"}),
		serversStarted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "servers_started",
			Help:      "Number of started servers.",
		}),
		anonymousCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "anonymous_associations",
			Help:      "Anonymous associations currently held by a server.",
		}, []string{"server"}),
	}

	if reg != nil {
		for _, col := range c.collectors() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.up, c.congestion, c.payloads, c.payloadBytes, c.invalidStreams,
		c.connectAttempts, c.sendDelay, c.serversStarted, c.anonymousCurrent,
	}
}

// SetUp records whether an association is connected.
func (c *Collector) SetUp(assoc string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.up.WithLabelValues(assoc).Set(v)
}

// SetCongestionLevel records an association's congestion level.
func (c *Collector) SetCongestionLevel(assoc string, level int) {
	if c == nil {
		return
	}
	c.congestion.WithLabelValues(assoc).Set(float64(level))
}

// PayloadSent counts one outbound payload and its send delay in seconds.
func (c *Collector) PayloadSent(assoc string, size int, delaySeconds float64) {
	if c == nil {
		return
	}
	c.payloads.WithLabelValues(assoc, "out").Inc()
	c.payloadBytes.WithLabelValues(assoc, "out").Add(float64(size))
	c.sendDelay.WithLabelValues(assoc).Observe(delaySeconds)
}

// PayloadReceived counts one inbound payload.
func (c *Collector) PayloadReceived(assoc string, size int) {
	if c == nil {
		return
	}
	c.payloads.WithLabelValues(assoc, "in").Inc()
	c.payloadBytes.WithLabelValues(assoc, "in").Add(float64(size))
}

// InvalidStream counts an inbound payload on an out-of-range stream.
func (c *Collector) InvalidStream(assoc string) {
	if c == nil {
		return
	}
	c.invalidStreams.WithLabelValues(assoc).Inc()
}

// ConnectAttempt counts a client connect attempt.
func (c *Collector) ConnectAttempt(assoc string, ok bool) {
	if c == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	c.connectAttempts.WithLabelValues(assoc, result).Inc()
}

// ServerStarted adjusts the started-server gauge.
func (c *Collector) ServerStarted(started bool) {
	if c == nil {
		return
	}
	if started {
		c.serversStarted.Inc()
	} else {
		c.serversStarted.Dec()
	}
}

// SetAnonymous records the anonymous pool size of a server.
func (c *Collector) SetAnonymous(server string, n int) {
	if c == nil {
		return
	}
	c.anonymousCurrent.WithLabelValues(server).Set(float64(n))
}

// Forget drops every series of an association.
func (c *Collector) Forget(assoc string) {
	if c == nil {
		return
	}
	c.up.DeleteLabelValues(assoc)
	c.congestion.DeleteLabelValues(assoc)
	c.invalidStreams.DeleteLabelValues(assoc)
	c.sendDelay.DeleteLabelValues(assoc)
	for _, dir := range []string{"in", "out"} {
		c.payloads.DeleteLabelValues(assoc, dir)
		c.payloadBytes.DeleteLabelValues(assoc, dir)
	}
	for _, res := range []string{"success", "failure"} {
		c.connectAttempts.DeleteLabelValues(assoc, res)
	}
}
