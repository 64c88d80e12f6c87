// Package obsmetrics exposes the Prometheus collectors every engine
// component and adapter records against: task throughput, HTTP command
// traffic, and the domain counters operators watch (letters sent,
// deadlines fired, payment events).
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector this module registers.
type Metrics struct {
	TasksProcessedTotal  *prometheus.CounterVec
	TaskDuration         *prometheus.HistogramVec
	TaskRetriesTotal     *prometheus.CounterVec
	TaskDeadLetteredTotal *prometheus.CounterVec

	EventsPublishedTotal *prometheus.CounterVec

	LettersSentTotal  *prometheus.CounterVec
	DeadlinesFiredTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector against registerer and returns the handle
// components record against. Pass prometheus.NewRegistry() in tests to
// avoid colliding with package-level DefaultRegisterer across test runs.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_tasks_processed_total",
			Help: "Total number of tasks processed by the task queue worker.",
		}, []string{"type", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "disputecore_task_duration_seconds",
			Help:    "Task handler execution duration in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		TaskRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_task_retries_total",
			Help: "Total number of task attempts that ended in a retryable failure.",
		}, []string{"type"}),
		TaskDeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_task_dead_lettered_total",
			Help: "Total number of tasks that exhausted their retry budget.",
		}, []string{"type"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_events_published_total",
			Help: "Total number of domain events published to the event bus.",
		}, []string{"type"}),
		LettersSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_letters_sent_total",
			Help: "Total number of letters moved to sent status.",
		}, []string{"bureau"}),
		DeadlinesFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_deadlines_fired_total",
			Help: "Total number of deadlines fired by the Deadline & SLA Tracker.",
		}, []string{"kind"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disputecore_http_requests_total",
			Help: "Total number of HTTP command API requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "disputecore_http_request_duration_seconds",
			Help:    "HTTP command API request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.TasksProcessedTotal,
			m.TaskDuration,
			m.TaskRetriesTotal,
			m.TaskDeadLetteredTotal,
			m.EventsPublishedTotal,
			m.LettersSentTotal,
			m.DeadlinesFiredTotal,
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
		)
	}
	return m
}

// RecordTask records a completed task handler invocation.
func (m *Metrics) RecordTask(taskType, outcome string, d time.Duration) {
	m.TasksProcessedTotal.WithLabelValues(taskType, outcome).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordRetry records a task attempt that failed but still has budget left.
func (m *Metrics) RecordRetry(taskType string) {
	m.TaskRetriesTotal.WithLabelValues(taskType).Inc()
}

// RecordDeadLetter records a task that exhausted its retry budget.
func (m *Metrics) RecordDeadLetter(taskType string) {
	m.TaskDeadLetteredTotal.WithLabelValues(taskType).Inc()
}

// RecordEventPublished records one domain event handed to the event bus.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordLetterSent records a letter reaching sent status for a bureau.
func (m *Metrics) RecordLetterSent(bureau string) {
	m.LettersSentTotal.WithLabelValues(bureau).Inc()
}

// RecordDeadlineFired records a deadline firing of the given kind.
func (m *Metrics) RecordDeadlineFired(kind string) {
	m.DeadlinesFiredTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records one command API request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
