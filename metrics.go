package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Messages sent through the pipeline by result",
	}, []string{"result"})

	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_archive_failures_total",
		Help: "Durable archive writes that failed",
	})

	roomPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_room_promotions_total",
		Help: "Virtual rooms promoted to real rooms",
	})

	typingWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_typing_writes_total",
		Help: "Typing indicator writes by state",
	}, []string{"state"})

	readReceiptWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_read_receipt_writes_total",
		Help: "Throttled mark-read passes that wrote to the store",
	})

	subscriptionTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_subscription_load_timeouts_total",
		Help: "Watches that stopped loading because no snapshot arrived in time",
	}, []string{"watch"})
)
