package imapclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_imapclient_command_results_total",
			Help: "Number of tagged command results read, by result status.",
		},
		[]string{"result"}, // ok, no, bad
	)
	metricLiteralBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_imapclient_literal_bytes_total",
			Help: "Number of bytes read as literals in responses.",
		},
	)
	metricAuth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_imapclient_authentication_attempts_total",
			Help: "Number of authentication attempts, by mechanism and result.",
		},
		[]string{"mechanism", "result"}, // Mechanism lower case. Result: ok, failure, unavailable, error.
	)
)
