/*
 * Copyright 2026 The chwire Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package chwire

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusPoolObserver exports pool events as prometheus metrics.
type PrometheusPoolObserver struct {
	leases        *prometheus.CounterVec
	leaseTimeouts *prometheus.CounterVec
	leaseWait     *prometheus.HistogramVec
	leased        *prometheus.GaugeVec
	openConns     *prometheus.GaugeVec
	vented        prometheus.Counter
}

var _ PoolObserver = (*PrometheusPoolObserver)(nil)

// NewPrometheusPoolObserver registers pool metrics named after name (the
// metrics_name setting) with reg. Registration failures are returned.
func NewPrometheusPoolObserver(reg prometheus.Registerer, name string) (*PrometheusPoolObserver, error) {
	ns := metricName(name)
	o := &PrometheusPoolObserver{
		leases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "leases_total",
			Help:      "Connection leases granted.",
		}, []string{"route"}),
		leaseTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "lease_timeouts_total",
			Help:      "Requests that gave up waiting for a connection lease.",
		}, []string{"route"}),
		leaseWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a connection lease.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"route"}),
		leased: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "leased",
			Help:      "Leases currently held.",
		}, []string{"route"}),
		openConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "open_connections",
			Help:      "Open network connections.",
		}, []string{"addr"}),
		vented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "vented_connections_total",
			Help:      "Idle connections closed by the sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{o.leases, o.leaseTimeouts, o.leaseWait, o.leased, o.openConns, o.vented} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}

func (o *PrometheusPoolObserver) OnLease(route string, wait time.Duration) {
	o.leases.WithLabelValues(route).Inc()
	o.leaseWait.WithLabelValues(route).Observe(wait.Seconds())
	o.leased.WithLabelValues(route).Inc()
}

func (o *PrometheusPoolObserver) OnLeaseTimeout(route string) {
	o.leaseTimeouts.WithLabelValues(route).Inc()
}

func (o *PrometheusPoolObserver) OnRelease(route string) {
	o.leased.WithLabelValues(route).Dec()
}

func (o *PrometheusPoolObserver) OnConnOpen(addr string) {
	o.openConns.WithLabelValues(addr).Inc()
}

func (o *PrometheusPoolObserver) OnConnClose(addr string) {
	o.openConns.WithLabelValues(addr).Dec()
}

func (o *PrometheusPoolObserver) OnVent(n int) {
	o.vented.Add(float64(n))
}
