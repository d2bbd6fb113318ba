package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	waitDuration *prometheus.HistogramVec

	evaluationTotal    *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	consoleReadsTotal *prometheus.CounterVec
	drainCycles       *prometheus.CounterVec
	hostState         *prometheus.GaugeVec
	hostStartTotal    *prometheus.CounterVec
	hostStopTotal     *prometheus.CounterVec

	browsePromptsTotal prometheus.Counter
	breakpointHits     prometheus.Counter
	breakpointsActive  prometheus.Gauge
	stepTotal          *prometheus.CounterVec

	historyLogs           prometheus.Gauge
	historyAppendDuration prometheus.Histogram
	historyLoadDuration   prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "hostsession_queue_size",
					Help: "Current number of queued requests by queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_enqueue_total",
					Help: "Total requests queued by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_dequeue_total",
					Help: "Total requests leaving a queue by queue and outcome.",
				},
				[]string{"queue", "status"},
			),
			waitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hostsession_request_wait_seconds",
					Help:    "Time a request spent queued before its turn.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			evaluationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_evaluation_total",
					Help: "Total host evaluations by kind and status.",
				},
				[]string{"kind", "status"},
			),
			evaluationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hostsession_evaluation_duration_seconds",
					Help:    "Host evaluation round trip in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			consoleReadsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_console_reads_total",
					Help: "Console reads served by prompt kind and status.",
				},
				[]string{"prompt", "status"},
			),
			drainCycles: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_drain_cycles_total",
					Help: "Evaluation drain cycles by whether they mutated host state.",
				},
				[]string{"mutated"},
			),
			hostState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "hostsession_host_state",
					Help: "Session state (1 for the current state, 0 otherwise).",
				},
				[]string{"state"},
			),
			hostStartTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_host_start_total",
					Help: "Host start attempts by status.",
				},
				[]string{"status"},
			),
			hostStopTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_host_stop_total",
					Help: "Host shutdowns by the step that stopped the host.",
				},
				[]string{"step"},
			),
			browsePromptsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "hostsession_browse_prompts_total",
					Help: "Browse prompts processed by the debugger.",
				},
			),
			breakpointHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "hostsession_breakpoint_hits_total",
					Help: "Breakpoint hits reported by browse prompts.",
				},
			),
			breakpointsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "hostsession_breakpoints",
					Help: "Breakpoints currently tracked by the debugger.",
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsession_step_total",
					Help: "Debugger steps by verb and outcome.",
				},
				[]string{"verb", "outcome"},
			),
			historyLogs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "hostsession_history_logs",
					Help: "Console history logs on disk.",
				},
			),
			historyAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "hostsession_history_append_duration_seconds",
					Help:    "Time to append one console history entry.",
					Buckets: prometheus.DefBuckets,
				},
			),
			historyLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "hostsession_history_load_duration_seconds",
					Help:    "Time to load a console history log.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.waitDuration,
			m.evaluationTotal,
			m.evaluationDuration,
			m.consoleReadsTotal,
			m.drainCycles,
			m.hostState,
			m.hostStartTotal,
			m.hostStopTotal,
			m.browsePromptsTotal,
			m.breakpointHits,
			m.breakpointsActive,
			m.stepTotal,
			m.historyLogs,
			m.historyAppendDuration,
			m.historyLoadDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

// RecordDequeue records a request leaving its queue. status is "granted",
// "cancelled" or "failed".
func RecordDequeue(queue, status string, waited time.Duration, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, status).Inc()
	m.waitDuration.WithLabelValues(queue).Observe(waited.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueSize(queue string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordEvaluation(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	m.evaluationTotal.WithLabelValues(kind, status(success)).Inc()
	m.evaluationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordConsoleRead(browse, success bool) {
	prompt := "top_level"
	if browse {
		prompt = "browse"
	}
	getMetrics().consoleReadsTotal.WithLabelValues(prompt, status(success)).Inc()
}

func RecordDrainCycle(mutated bool) {
	label := "false"
	if mutated {
		label = "true"
	}
	getMetrics().drainCycles.WithLabelValues(label).Inc()
}

// SetHostState marks state as the current one among all.
func SetHostState(state string, all []string) {
	m := getMetrics()
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.hostState.WithLabelValues(s).Set(v)
	}
}

func RecordHostStart(success bool) {
	getMetrics().hostStartTotal.WithLabelValues(status(success)).Inc()
}

func RecordHostStop(step string) {
	getMetrics().hostStopTotal.WithLabelValues(step).Inc()
}

func RecordBrowsePrompt(hits int) {
	m := getMetrics()
	m.browsePromptsTotal.Inc()
	m.breakpointHits.Add(float64(hits))
}

func SetBreakpoints(count int) {
	getMetrics().breakpointsActive.Set(float64(count))
}

func RecordStep(verb string, completed bool) {
	outcome := "interrupted"
	if completed {
		outcome = "completed"
	}
	getMetrics().stepTotal.WithLabelValues(verb, outcome).Inc()
}

func SetHistoryLogs(count int) {
	getMetrics().historyLogs.Set(float64(count))
}

func RecordHistoryAppend(duration time.Duration) {
	getMetrics().historyAppendDuration.Observe(duration.Seconds())
}

func RecordHistoryLoad(duration time.Duration) {
	getMetrics().historyLoadDuration.Observe(duration.Seconds())
}
