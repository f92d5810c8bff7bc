package classifier

import "github.com/prometheus/client_golang/prometheus"

var inferencesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vigilant",
		Name:      "classifier_inferences_total",
		Help:      "Classifier inferences by outcome (benign, malicious, failed_open).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(inferencesTotal)
}
