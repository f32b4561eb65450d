package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aox_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",    // imap, pop3, managesieve, submission
		"variant", // login, plain, cram-md5, anonymous, user
		"result",  // ok, badcreds, error, aborted
	},
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}
