package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brandon/mail-syncback/pkg/types"
)

var (
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncback",
		Name:      "account_state_transitions_total",
		Help:      "Account lifecycle transitions by target state.",
	}, []string{"state"})

	runningAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncback",
		Name:      "accounts_running",
		Help:      "Accounts with a live supervisor in this process.",
	})
)

func recordTransition(state types.SyncState) {
	stateTransitions.WithLabelValues(string(state)).Inc()
}
