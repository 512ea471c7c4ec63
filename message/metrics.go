// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import "github.com/prometheus/client_golang/prometheus"

var (
	exchangeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigmatch",
			Name:      "exchange_messages_total",
			Help:      "Number of messages exchanged between ranks.",
		},
		[]string{"direction"},
	)
	exchangeBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigmatch",
			Name:      "exchange_bytes_total",
			Help:      "Number of encoded message bytes exchanged between ranks.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(exchangeMessages)
	prometheus.MustRegister(exchangeBytes)
}
