// Package metrics содержит счётчики и гистограммы Prometheus.
// Все методы безопасны для nil-получателя: сервисы могут работать без метрик.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics объединяет метрики всех сервисов.
type Metrics struct {
	remindersFired      *prometheus.CounterVec
	remindersSuppressed *prometheus.CounterVec
	evaluationErrors    *prometheus.CounterVec
	channelFailures     *prometheus.CounterVec
	refreshes           *prometheus.CounterVec
	refreshDuration     prometheus.Histogram
	messagesSent        *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		remindersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "reminders_fired_total",
			Help:      "Reminders whose condition fired and were dispatched.",
		}, []string{"type"}),
		remindersSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "reminders_suppressed_total",
			Help:      "Reminders skipped because one was sent recently.",
		}, []string{"type"}),
		evaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "reminder_evaluation_errors_total",
			Help:      "Reminder conditions that failed to evaluate.",
		}, []string{"type"}),
		channelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "reminder_channel_failures_total",
			Help:      "Notification channel failures while dispatching reminders.",
		}, []string{"channel"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "card_refreshes_total",
			Help:      "Card refresh attempts by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "breezeminder",
			Name:      "card_refresh_duration_seconds",
			Help:      "Duration of a card fetch, parse and evaluate cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "messages_sent_total",
			Help:      "Messages delivered by the sender by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breezeminder",
			Name:      "http_requests_total",
			Help:      "API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "breezeminder",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.remindersFired,
			m.remindersSuppressed,
			m.evaluationErrors,
			m.channelFailures,
			m.refreshes,
			m.refreshDuration,
			m.messagesSent,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

// ReminderFired увеличивает счётчик отправленных напоминаний.
func (m *Metrics) ReminderFired(reminderType string) {
	if m == nil {
		return
	}
	m.remindersFired.WithLabelValues(reminderType).Inc()
}

// ReminderSuppressed увеличивает счётчик подавленных напоминаний.
func (m *Metrics) ReminderSuppressed(reminderType string) {
	if m == nil {
		return
	}
	m.remindersSuppressed.WithLabelValues(reminderType).Inc()
}

// EvaluationError увеличивает счётчик ошибок проверки условия.
func (m *Metrics) EvaluationError(reminderType string) {
	if m == nil {
		return
	}
	m.evaluationErrors.WithLabelValues(reminderType).Inc()
}

// ChannelFailure увеличивает счётчик сбоев канала доставки.
func (m *Metrics) ChannelFailure(channel string) {
	if m == nil {
		return
	}
	m.channelFailures.WithLabelValues(channel).Inc()
}

// Refresh фиксирует результат и длительность обновления карты.
func (m *Metrics) Refresh(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(took.Seconds())
}

// MessageSent фиксирует результат отправки сообщения.
func (m *Metrics) MessageSent(result string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(result).Inc()
}

// HTTPRequest фиксирует обработанный запрос API.
func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(took.Seconds())
}
