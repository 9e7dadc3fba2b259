package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// fakeTransport delegates to send and counts attempts per recipient.
type fakeTransport struct {
	mu       sync.Mutex
	attempts map[string]int
	calls    int64
	send     func(ctx context.Context, to, subject, body string, attempt int) error
}

func newFakeTransport(send func(ctx context.Context, to, subject, body string, attempt int) error) *fakeTransport {
	return &fakeTransport{attempts: make(map[string]int), send: send}
}

func (f *fakeTransport) Verify(context.Context) bool { return true }

func (f *fakeTransport) SendOne(ctx context.Context, to, subject, body string) error {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	f.attempts[to]++
	attempt := f.attempts[to]
	f.mu.Unlock()
	if f.send == nil {
		return nil
	}
	return f.send(ctx, to, subject, body, attempt)
}

func (f *fakeTransport) Calls() int { return int(atomic.LoadInt64(&f.calls)) }

func (f *fakeTransport) Attempts(to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[to]
}

type recorded struct {
	outcome Outcome
	errMsg  string
}

// fakeRegistry keeps the cancel flag in an atomic and outcomes in a map.
type fakeRegistry struct {
	cancelled   atomic.Bool
	cancelErr   error
	cancelCalls int64

	mu       sync.Mutex
	outcomes map[string]recorded
	record   func(email string) error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{outcomes: make(map[string]recorded)}
}

func (r *fakeRegistry) IsCancelled(ctx context.Context, campaignID string) (bool, error) {
	atomic.AddInt64(&r.cancelCalls, 1)
	if r.cancelErr != nil {
		return false, r.cancelErr
	}
	return r.cancelled.Load(), nil
}

func (r *fakeRegistry) RecordOutcome(ctx context.Context, campaignID, email string, outcome Outcome, errMsg string) error {
	if r.record != nil {
		if err := r.record(email); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[email] = recorded{outcome: outcome, errMsg: errMsg}
	return nil
}

func (r *fakeRegistry) Outcomes() map[string]recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]recorded, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}

func (r *fakeRegistry) CancelCalls() int { return int(atomic.LoadInt64(&r.cancelCalls)) }

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%03d@example.com", i)
	}
	return out
}
