package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aox_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the origin of a panic, for the metric label.
type Panic string

const (
	Imapserver  Panic = "imapserver"
	Smtpserver  Panic = "smtpserver"
	Pop3server  Panic = "pop3server"
	Sieveserver Panic = "sieveserver"
	Pgwire      Panic = "pgwire"
	Store       Panic = "store"
)

func PanicInc(name Panic) {
	metricPanic.WithLabelValues(string(name)).Inc()
}
