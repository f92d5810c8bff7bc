package vault

import "github.com/prometheus/client_golang/prometheus"

var (
	syncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigilant",
			Name:      "vault_sync_total",
			Help:      "Vault sync attempts by outcome.",
		},
		[]string{"outcome"},
	)

	localHashes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigilant",
			Name:      "vault_sync_hashes",
			Help:      "Threat hashes held in the local vault set.",
		},
	)
)

func init() {
	prometheus.MustRegister(syncTotal, localHashes)
}
