/*
 * meshbard - low-bandwidth bundle synchronisation daemon.
 * Copyright (C) 2026-present the meshbard authors.
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

// Package metrics declares the engine's prometheus instrumentation.
// Metrics are a constructor argument, not a package-level global, so
// a daemon can run more than one engine (e.g. in tests) against
// independent registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PieceKind labels the "kind" dimension on the piece counters:
// whether a piece carried manifest bytes or body bytes.
type PieceKind string

const (
	Manifest PieceKind = "manifest"
	Body     PieceKind = "body"
)

// Metrics holds every counter, gauge and histogram the engine updates
// while building and consuming frames. Fields are exported so tests
// can read current values directly with testutil.ToFloat64 rather
// than scraping an HTTP endpoint.
type Metrics struct {
	FramesBuilt       prometheus.Counter
	FrameBytes        prometheus.Counter
	PiecesSent        *prometheus.CounterVec
	PiecesReceived    *prometheus.CounterVec
	BARsSent          prometheus.Counter
	BARsReceived      prometheus.Counter
	PartialsEvicted   prometheus.Counter
	StoreFetchSeconds prometheus.Histogram
	PartialsInProgress prometheus.Gauge
}

// New constructs a Metrics and registers every collector with reg. A
// reg of nil means prometheus.NewRegistry(), which is handy in tests
// that don't want to pollute the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		FramesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbard_frames_built_total",
			Help: "Number of outbound frames assembled by the frame builder.",
		}),
		FrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbard_frame_bytes_total",
			Help: "Total bytes placed into outbound frames.",
		}),
		PiecesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbard_pieces_sent_total",
			Help: "Bundle piece records emitted, by kind (manifest/body).",
		}, []string{"kind"}),
		PiecesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbard_pieces_received_total",
			Help: "Bundle piece records decoded from inbound frames, by kind.",
		}, []string{"kind"}),
		BARsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbard_bars_sent_total",
			Help: "BAR records emitted in outbound frames.",
		}),
		BARsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbard_bars_received_total",
			Help: "BAR records decoded from inbound frames.",
		}),
		PartialsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbard_partials_evicted_total",
			Help: "Partial bundle reassembly slots evicted before completion.",
		}),
		StoreFetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshbard_store_fetch_seconds",
			Help:    "Latency of content-store fetches feeding the content cache.",
			Buckets: prometheus.DefBuckets,
		}),
		PartialsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshbard_partials_in_progress",
			Help: "Partial bundles currently tracked by the reassembler.",
		}),
	}

	reg.MustRegister(
		m.FramesBuilt,
		m.FrameBytes,
		m.PiecesSent,
		m.PiecesReceived,
		m.BARsSent,
		m.BARsReceived,
		m.PartialsEvicted,
		m.StoreFetchSeconds,
		m.PartialsInProgress,
	)
	return m
}
