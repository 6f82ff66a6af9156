package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultNameSpace = "xuhaidong"
	defaultSubsystem = "iothub"
)

var TelemetryCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: defaultNameSpace,
		Subsystem: defaultSubsystem,
		Name:      "telemetry_records_total",
	},
	[]string{"protocol"},
)

var PublishedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: defaultNameSpace,
		Subsystem: defaultSubsystem,
		Name:      "published_messages_total",
	},
	[]string{"topic"},
)

var CommandCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: defaultNameSpace,
		Subsystem: defaultSubsystem,
		Name:      "commands_total",
	},
	[]string{"status"},
)

var ConsumeErrorCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: defaultNameSpace,
		Subsystem: defaultSubsystem,
		Name:      "consume_handler_errors_total",
	},
	[]string{"group", "topic"},
)

func InitPrometheus(addr string) {
	prometheus.MustRegister(TelemetryCounter, PublishedCounter, CommandCounter, ConsumeErrorCounter)
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(addr, nil)
		if err != nil {
			panic(err)
		}
	}()
}
