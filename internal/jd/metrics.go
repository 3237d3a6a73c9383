package jd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "animehub",
		Subsystem: "myjd",
		Name:      "requests_total",
		Help:      "Relay requests by endpoint and resulting code (ok on success).",
	}, []string{"endpoint", "code"})

	relayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "animehub",
		Subsystem: "myjd",
		Name:      "reconnects_total",
		Help:      "Session reconnects triggered by token or session errors.",
	})

	deviceOffline = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "animehub",
		Subsystem: "myjd",
		Name:      "device_offline_total",
		Help:      "Device calls that ended in MYJD_DEVICE_OFFLINE.",
	}, []string{"requires_selection"})

	managerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "animehub",
		Subsystem: "jd",
		Name:      "operations_total",
		Help:      "Facade operations by mode, operation and result code.",
	}, []string{"mode", "op", "code"})
)

func observeRelay(endpoint string, err error) {
	code := "ok"
	if err != nil {
		code = string(CodeOf(err))
		if code == "" {
			code = string(CodeUnknownFail)
		}
	}
	relayRequests.WithLabelValues(endpoint, code).Inc()
}
