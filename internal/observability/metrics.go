package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dosug"

type moduleMetrics struct {
	queuePending *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentRunSteps    *prometheus.HistogramVec
	agentTokensTotal *prometheus.CounterVec

	updatesReceived *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec

	dbOperationDuration *prometheus.HistogramVec
	usersRegistered     prometheus.Counter
	messagesPruned      prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queuePending: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_pending",
					Help:      "Tasks waiting or running in the chat lanes.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total task completions by queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by queue.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by provider.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
				},
				[]string{"provider"},
			),
			agentRunSteps: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_steps",
					Help:      "Model requests per agent run.",
					Buckets:   prometheus.LinearBuckets(1, 1, 10),
				},
				[]string{"provider"},
			),
			agentTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_tokens_total",
					Help:      "Tokens consumed by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			updatesReceived: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "telegram_updates_total",
					Help:      "Telegram updates received by kind.",
				},
				[]string{"kind"},
			),
			messagesSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "telegram_messages_sent_total",
					Help:      "Telegram messages sent or edited by status.",
				},
				[]string{"status"},
			),
			dbOperationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "db_operation_duration_seconds",
					Help:      "SQLite operation duration in seconds by table and operation.",
					Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
				},
				[]string{"table", "op"},
			),
			usersRegistered: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "users_registered_total",
					Help:      "Users seen for the first time.",
				},
			),
			messagesPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "messages_pruned_total",
					Help:      "Messages removed by the retention job.",
				},
			),
		}

		prometheus.MustRegister(
			m.queuePending,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentRunSteps,
			m.agentTokensTotal,
			m.updatesReceived,
			m.messagesSent,
			m.dbOperationDuration,
			m.usersRegistered,
			m.messagesPruned,
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

func RecordQueueEnqueue(queue string, pending int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queuePending.WithLabelValues(queue).Set(float64(pending))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool, pending int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, status(success)).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queuePending.WithLabelValues(queue).Set(float64(pending))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordAgentRun(provider string, duration time.Duration, steps int, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, status(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if steps > 0 {
		m.agentRunSteps.WithLabelValues(provider).Observe(float64(steps))
	}
}

func RecordTokenUsage(provider string, input, output int) {
	m := getMetrics()
	m.agentTokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.agentTokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func RecordUpdate(kind string) {
	getMetrics().updatesReceived.WithLabelValues(kind).Inc()
}

func RecordMessageSent(success bool) {
	getMetrics().messagesSent.WithLabelValues(status(success)).Inc()
}

func RecordDBOperation(table, op string, duration time.Duration) {
	getMetrics().dbOperationDuration.WithLabelValues(table, op).Observe(duration.Seconds())
}

func RecordUserRegistered() {
	getMetrics().usersRegistered.Inc()
}

func RecordMessagesPruned(n int64) {
	getMetrics().messagesPruned.Add(float64(n))
}
