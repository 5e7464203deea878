package memory

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	usagePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpumemd",
			Subsystem: "memory",
			Name:      "usage_percent",
			Help:      "Current GPU memory usage percentage per device",
		},
		[]string{"device"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpumemd",
			Subsystem: "memory",
			Name:      "alerts_total",
			Help:      "Total memory alerts fired, by level",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(usagePercent, alertsTotal)
}

func deviceLabel(id int) string { return strconv.Itoa(id) }
