package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "orderer"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	eventsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_recorded_total",
		Help:      "Count of lifecycle events accepted by the sorting gates",
	}, []string{
		"gate",
		"kind",
	})

	eventsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_dispatched_total",
		Help:      "Count of lifecycle events released to the sink in final order",
	}, []string{
		"kind",
	})

	bufferedSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "buffered_slots",
		Help:      "Number of slots currently buffered and awaiting flush",
	}, []string{
		"gate",
	})

	forcedFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "forced_flushes_total",
		Help:      "Count of slots force-promoted to ready after the slot timeout",
	}, []string{
		"gate",
	})

	protocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "protocol_violations_total",
		Help:      "Count of event-stream protocol violations detected by the gates",
	}, []string{
		"violation",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of sequencing runs",
	}, []string{
		"run_id",
		"result",
	})

	runSuitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_suites_total",
		Help:      "Total number of suites sequenced per run",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of sequencing runs",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordEventRecorded counts an event accepted by a gate. gate is either
// "suite" or "test".
func RecordEventRecorded(gate, kind string) {
	eventsRecordedTotal.WithLabelValues(gate, kind).Inc()
}

// RecordEventDispatched counts an event released to the sink.
func RecordEventDispatched(kind string) {
	eventsDispatchedTotal.WithLabelValues(kind).Inc()
}

// SetBufferedSlots tracks the depth of a gate's slot list.
func SetBufferedSlots(gate string, n int) {
	bufferedSlots.WithLabelValues(gate).Set(float64(n))
}

// RecordForcedFlush counts a slot that hit the timeout and was promoted with
// a synthetic terminal event.
func RecordForcedFlush(gate string) {
	if Debug {
		log.Debug("metric inc", "m", "forced_flushes_total", "gate", gate)
	}
	forcedFlushesTotal.WithLabelValues(gate).Inc()
}

// RecordProtocolViolation counts a producer-side protocol violation.
func RecordProtocolViolation(violation string) {
	if Debug {
		log.Debug("metric inc", "m", "protocol_violations_total", "violation", violation)
	}
	protocolViolationsTotal.WithLabelValues(violation).Inc()
}

// RecordRun records the outcome of one sequencing run.
func RecordRun(runID string, result string, suites int, duration time.Duration) {
	runResults.WithLabelValues(runID, result).Set(1)
	runSuitesTotal.WithLabelValues(runID).Add(float64(suites))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
