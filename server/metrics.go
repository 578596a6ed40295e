// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one server. Each server has its
// own registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	jobsTotal     *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	packetsTotal  *prometheus.CounterVec
	crcErrors     prometheus.Counter
	trashBytes    prometheus.Counter
	droppedFrames prometheus.Counter

	websocketClients prometheus.Gauge
	websocketDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccs_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ccs_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccs_jobs_total",
				Help: "Finished demultiplexing jobs by final status",
			},
			[]string{"status"},
		),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccs_jobs_running",
			Help: "Jobs currently reading their input",
		}),
		packetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccs_packets_total",
				Help: "Packets extracted by jobs",
			},
			[]string{"kind"},
		),
		crcErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccs_crc_errors_total",
			Help: "PEC failures that started a resynchronization",
		}),
		trashBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccs_trash_bytes_total",
			Help: "Bytes skipped while resynchronizing",
		}),
		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccs_dropped_frames_total",
			Help: "Transfer frames dropped for a bad format",
		}),
		websocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccs_websocket_clients",
			Help: "Connected realtime clients",
		}),
		websocketDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccs_websocket_dropped_messages_total",
			Help: "Messages dropped because a client queue was full",
		}),
	}
}

// RecordJob adds the counters of a finished job.
func (m *Metrics) RecordJob(info JobInfo) {
	m.jobsTotal.WithLabelValues(string(info.Status)).Inc()
	m.packetsTotal.WithLabelValues("accepted").Add(float64(info.Stats.Packets))
	m.packetsTotal.WithLabelValues("idle").Add(float64(info.Stats.IdlePackets))
	m.crcErrors.Add(float64(info.Stats.CRCErrors))
	m.trashBytes.Add(float64(info.Stats.TrashBytes))
	m.droppedFrames.Add(float64(info.Stats.DroppedFrames))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler instruments an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(rw, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
