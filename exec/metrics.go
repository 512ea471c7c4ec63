// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "github.com/prometheus/client_golang/prometheus"

var (
	superstepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigmatch",
			Name:      "supersteps_total",
			Help:      "Number of supersteps run, by phase.",
		},
		[]string{"phase"},
	)
	activeVertices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bigmatch",
			Name:      "active_vertices",
			Help:      "Number of vertices that remained active after the last superstep.",
		},
	)
)

func init() {
	prometheus.MustRegister(superstepsTotal)
	prometheus.MustRegister(activeVertices)
}
