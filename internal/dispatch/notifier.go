package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-mailer/internal/pkg/logger"
)

const (
	defaultQueueSize     = 1024
	recordOutcomeTimeout = 10 * time.Second
)

type notification struct {
	email   string
	outcome Outcome
	errMsg  string
}

// NotifierStats is a snapshot of a notifier's counters.
type NotifierStats struct {
	Queued    int64 `json:"queued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Notifier forwards per-recipient outcomes to a Registry without blocking
// the dispatch run. Outcomes are buffered in a bounded queue drained by a
// single goroutine; when the queue is full the outcome is dropped. A dropped
// or failed notification never changes the results returned by SendBulk.
type Notifier struct {
	reg        Registry
	campaignID string
	ctx        context.Context
	log        *logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan notification
	done   chan struct{}

	queued    int64
	delivered int64
	failed    int64
	dropped   int64
}

// NewNotifier starts a notifier for one campaign. Registry writes run on a
// context detached from ctx's cancellation so queued outcomes still land
// after the caller gives up.
func NewNotifier(ctx context.Context, reg Registry, campaignID string, size int, log *logger.Logger) *Notifier {
	if size <= 0 {
		size = defaultQueueSize
	}
	if log == nil {
		log = logger.Default()
	}
	n := &Notifier{
		reg:        reg,
		campaignID: campaignID,
		ctx:        context.WithoutCancel(ctx),
		log:        log,
		queue:      make(chan notification, size),
		done:       make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify enqueues an outcome. It never blocks and reports whether the
// outcome was accepted.
func (n *Notifier) Notify(email string, outcome Outcome, errMsg string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		atomic.AddInt64(&n.dropped, 1)
		NotificationsDropped.Inc()
		return false
	}

	select {
	case n.queue <- notification{email: email, outcome: outcome, errMsg: errMsg}:
		atomic.AddInt64(&n.queued, 1)
		return true
	default:
		atomic.AddInt64(&n.dropped, 1)
		NotificationsDropped.Inc()
		n.log.Warn("outcome notification dropped, queue full",
			"campaign_id", n.campaignID, "recipient", email, "outcome", string(outcome))
		return false
	}
}

// Close stops accepting outcomes. Already queued outcomes are still
// delivered; Done is closed once the queue is drained.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.queue)
}

// Done is closed after Close once every queued outcome was handed to the
// registry.
func (n *Notifier) Done() <-chan struct{} { return n.done }

// Stats returns the current counters.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Queued:    atomic.LoadInt64(&n.queued),
		Delivered: atomic.LoadInt64(&n.delivered),
		Failed:    atomic.LoadInt64(&n.failed),
		Dropped:   atomic.LoadInt64(&n.dropped),
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for item := range n.queue {
		ctx, cancel := context.WithTimeout(n.ctx, recordOutcomeTimeout)
		err := n.reg.RecordOutcome(ctx, n.campaignID, item.email, item.outcome, item.errMsg)
		cancel()
		if err != nil {
			atomic.AddInt64(&n.failed, 1)
			n.log.Warn("record outcome failed",
				"campaign_id", n.campaignID, "recipient", item.email, "error", err)
			continue
		}
		atomic.AddInt64(&n.delivered, 1)
	}
}
