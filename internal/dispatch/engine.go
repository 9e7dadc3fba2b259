package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/personalize"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/transport"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoTransport   = errors.New("dispatch: no transport configured")
	ErrNoRegistry    = errors.New("dispatch: no registry provided")
	ErrOrchestration = errors.New("dispatch: orchestration fault")
)

// SendResult is the terminal outcome of one recipient.
type SendResult struct {
	Email    string `json:"email"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Config holds the engine settings fixed at process start.
type Config struct {
	MaxBatchSize     int
	InterBatchDelay  time.Duration
	MaxRetries       int // total attempts per recipient
	RetryBaseDelay   time.Duration
	SendTimeout      time.Duration
	OutcomeQueueSize int
}

// DefaultConfig returns the stock dispatch settings.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     50,
		InterBatchDelay:  500 * time.Millisecond,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		SendTimeout:      30 * time.Second,
		OutcomeQueueSize: defaultQueueSize,
	}
}

// ConfigFrom maps the dispatch section of the application config.
func ConfigFrom(c config.DispatchConfig) Config {
	return Config{
		MaxBatchSize:     c.MaxBatchSize,
		InterBatchDelay:  c.BatchDelay(),
		MaxRetries:       c.MaxRetries,
		RetryBaseDelay:   c.RetryBaseDelay(),
		SendTimeout:      c.SendTimeout(),
		OutcomeQueueSize: c.OutcomeQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.InterBatchDelay < 0 {
		c.InterBatchDelay = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.OutcomeQueueSize <= 0 {
		c.OutcomeQueueSize = d.OutcomeQueueSize
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for run and batch events.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine drives validated recipients through batched, retried delivery.
// One Engine serves any number of concurrent SendBulk calls; it keeps no
// state across runs apart from outstanding outcome notifications.
type Engine struct {
	transport transport.Transport
	cfg       Config
	log       *logger.Logger

	// pending counts runs whose notifier has not drained yet. idle is closed
	// whenever pending is zero and replaced when it leaves zero.
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// New creates an engine sending through t.
func New(t transport.Transport, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		transport: t,
		cfg:       cfg.withDefaults(),
		log:       logger.Default(),
		idle:      make(chan struct{}),
	}
	close(e.idle)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective engine settings.
func (e *Engine) Config() Config { return e.cfg }

// SendBulk delivers subject/body to recipients in batches of MaxBatchSize.
//
// The cancel flag is read from reg before every batch; once set, the results
// gathered so far are returned and no further batch starts. A batch always
// runs to completion: every recipient in it reaches success or exhausts its
// retries even if the flag flips or ctx is cancelled mid-batch.
//
// Per-recipient failures are reported in the results, never as an error.
// The error is non-nil only when the run could not be driven at all, when
// ctx was cancelled between batches, or when the orchestration itself
// faulted; results gathered up to that point are returned alongside it.
func (e *Engine) SendBulk(ctx context.Context, recipients []string, subject, body, campaignID string, reg Registry) (results []SendResult, err error) {
	if e.transport == nil {
		return nil, ErrNoTransport
	}
	if reg == nil {
		return nil, ErrNoRegistry
	}

	log := e.log.With("campaign_id", campaignID)
	notifier := NewNotifier(ctx, reg, campaignID, e.cfg.OutcomeQueueSize, log)
	e.track()
	defer func() {
		notifier.Close()
		go func() {
			<-notifier.Done()
			e.untrack()
		}()
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch run panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrOrchestration, r)
		}
	}()

	batches := Partition(recipients, e.cfg.MaxBatchSize)
	results = make([]SendResult, 0, len(recipients))
	start := time.Now()
	log.Info("dispatch run started",
		"recipients", len(recipients), "batches", len(batches), "batch_size", e.cfg.MaxBatchSize)

	for i, batch := range batches {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("dispatch run interrupted", "batch", i+1, "error", ctxErr)
			return results, ctxErr
		}
		if e.cancelled(ctx, reg, campaignID, log) {
			log.Info("dispatch run cancelled", "batch", i+1, "processed", len(results))
			return results, nil
		}

		batchResults, batchErr := e.sendBatch(ctx, batch, subject, body, notifier)
		results = append(results, batchResults...)
		Batches.Inc()
		if batchErr != nil {
			log.Error("batch aborted", "batch", i+1, "error", batchErr)
			return results, batchErr
		}

		sent, failed := Tally(batchResults)
		log.Debug("batch complete", "batch", i+1, "sent", sent, "failed", failed)

		if i < len(batches)-1 && e.cfg.InterBatchDelay > 0 {
			if sleepErr := sleep(ctx, e.cfg.InterBatchDelay); sleepErr != nil {
				log.Warn("dispatch run interrupted", "batch", i+2, "error", sleepErr)
				return results, sleepErr
			}
		}
	}

	sent, failed := Tally(results)
	log.Info("dispatch run finished",
		"sent", sent, "failed", failed, "duration", time.Since(start).Round(time.Millisecond))
	return results, nil
}

// Flush blocks until no run has outcome notifications left to hand to its
// registry, or ctx is done. Runs may start while Flush waits; Flush then
// also waits for them.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	for {
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
		if e.pending == 0 {
			e.mu.Unlock()
			return nil
		}
		idle = e.idle
		e.mu.Unlock()
	}
}

func (e *Engine) track() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending++
}

func (e *Engine) untrack() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending--
	if e.pending == 0 {
		close(e.idle)
	}
}

func (e *Engine) cancelled(ctx context.Context, reg Registry, campaignID string, log *logger.Logger) bool {
	cancelled, err := reg.IsCancelled(ctx, campaignID)
	if err != nil {
		log.Warn("cancel flag lookup failed, continuing", "error", err)
		return false
	}
	return cancelled
}

// sendBatch fans the batch out and joins on every recipient. Recipients run
// on a context detached from the caller so none is abandoned mid-retry.
func (e *Engine) sendBatch(ctx context.Context, batch []string, subject, body string, n *Notifier) ([]SendResult, error) {
	runCtx := context.WithoutCancel(ctx)
	slots := make([]SendResult, len(batch))
	filled := make([]bool, len(batch))

	var g errgroup.Group
	for i, email := range batch {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: recipient worker: %v", ErrOrchestration, r)
				}
			}()

			res := e.sendWithRetry(runCtx, email, subject, body)
			slots[i] = res
			filled[i] = true

			outcome := OutcomeSent
			if !res.Success {
				outcome = OutcomeFailed
			}
			Recipients.WithLabelValues(string(outcome)).Inc()
			n.Notify(res.Email, outcome, res.Error)
			return nil
		})
	}
	err := g.Wait()

	out := make([]SendResult, 0, len(batch))
	for i := range slots {
		if filled[i] {
			out = append(out, slots[i])
		}
	}
	return out, err
}

// sendWithRetry runs the per-recipient retry loop and always returns a
// terminal result.
func (e *Engine) sendWithRetry(ctx context.Context, email, subject, body string) SendResult {
	msg := personalize.Render(subject, body, email)
	res := SendResult{Email: email}

	b := LinearBackoff(e.cfg.RetryBaseDelay, e.cfg.MaxRetries)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		res.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()

		if err := e.transport.SendOne(attemptCtx, email, msg.Subject, msg.Body); err != nil {
			SendAttempts.WithLabelValues("failure").Inc()
			return retry.RetryableError(err)
		}
		SendAttempts.WithLabelValues("success").Inc()
		return nil
	})

	// retry.Do hands back the last attempt's error once the budget is spent.
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

// Partition splits recipients into contiguous batches of at most size
// entries, preserving order. A non-positive size yields a single batch.
func Partition(recipients []string, size int) [][]string {
	if len(recipients) == 0 {
		return nil
	}
	if size <= 0 || size >= len(recipients) {
		return [][]string{recipients}
	}
	batches := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end:end])
	}
	return batches
}

// Tally counts successful and failed results.
func Tally(results []SendResult) (sent, failed int) {
	for _, r := range results {
		if r.Success {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
