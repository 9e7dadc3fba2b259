package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_mailer_send_attempts_total",
		Help: "Total number of single-recipient transport attempts",
	}, []string{"outcome"})
	Recipients = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_mailer_recipients_total",
		Help: "Total number of recipients that reached a terminal outcome",
	}, []string{"outcome"})
	Batches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaign_mailer_batches_total",
		Help: "Total number of batches dispatched",
	})
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaign_mailer_outcome_notifications_dropped_total",
		Help: "Outcome notifications dropped because the registry queue was full",
	})
)

func init() {
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(Recipients)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(NotificationsDropped)
}
