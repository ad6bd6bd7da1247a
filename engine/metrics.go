// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics keeps Prometheus collectors on a registry private to one
// engine, alongside the plain counters PerformanceStats reads.
type metrics struct {
	registry *prometheus.Registry

	sent        prometheus.Counter
	acked       prometheus.Counter
	failed      prometheus.Counter
	retransmits prometheus.Counter
	bytesSent   prometheus.Counter
	bytesRecv   prometheus.Counter
	protocol    prometheus.Counter
	ackRTT      prometheus.Histogram

	sentCount       atomic.Uint64
	ackedCount      atomic.Uint64
	failedCount     atomic.Uint64
	retransmitCount atomic.Uint64
	bytesSentCount  atomic.Uint64
	bytesRecvCount  atomic.Uint64
	protocolCount   atomic.Uint64
	rttTotal        atomic.Int64
	rttSamples      atomic.Uint64
}

func newMetrics(connections, assemblies func() float64) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "tokens_sent_total",
			Help:      "Token attempts written to a connection",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "tokens_acked_total",
			Help:      "Tokens acknowledged by their peer",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "tokens_failed_total",
			Help:      "Sends abandoned after their last retry or a fatal error",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "retransmits_total",
			Help:      "Token attempts after the first",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "sent_bytes_total",
			Help:      "Bytes written to connections, framing included",
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "received_bytes_total",
			Help:      "Bytes read from connections, framing included",
		}),
		protocol: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "protocol_errors_total",
			Help:      "Inbound tokens dropped for naming the wrong sender or arriving on the wrong connection",
		}),
		ackRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bey",
			Subsystem: "engine",
			Name:      "ack_rtt_seconds",
			Help:      "Time from writing a token to receiving its acknowledgment",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
	}
	m.registry.MustRegister(
		m.sent, m.acked, m.failed, m.retransmits, m.bytesSent, m.bytesRecv, m.protocol, m.ackRTT,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bey",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Connections held by the pool in any state",
		}, connections),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bey",
			Subsystem: "stream",
			Name:      "assemblies",
			Help:      "Inbound streams under reassembly",
		}, assemblies),
	)
	return m
}

func (m *metrics) recordSent(wire int, retry bool) {
	m.sent.Inc()
	m.sentCount.Add(1)
	m.bytesSent.Add(float64(wire))
	m.bytesSentCount.Add(uint64(wire))
	if retry {
		m.retransmits.Inc()
		m.retransmitCount.Add(1)
	}
}

func (m *metrics) recordReceived(wire int) {
	m.bytesRecv.Add(float64(wire))
	m.bytesRecvCount.Add(uint64(wire))
}

func (m *metrics) recordAck(rtt time.Duration) {
	m.acked.Inc()
	m.ackedCount.Add(1)
	if rtt > 0 {
		m.ackRTT.Observe(rtt.Seconds())
		m.rttTotal.Add(int64(rtt))
		m.rttSamples.Add(1)
	}
}

func (m *metrics) recordProtocolError() {
	m.protocol.Inc()
	m.protocolCount.Add(1)
}

func (m *metrics) recordFailure() {
	m.failed.Inc()
	m.failedCount.Add(1)
}

func (m *metrics) averageRTT() time.Duration {
	samples := m.rttSamples.Load()
	if samples == 0 {
		return 0
	}
	return time.Duration(m.rttTotal.Load() / int64(samples))
}
