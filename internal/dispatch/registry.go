package dispatch

import "context"

// Outcome is the terminal state of one recipient in a dispatch run.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// Registry is the engine's view of the campaign registry. The engine only
// reads the cancel flag and reports per-recipient outcomes; aggregate counts
// and terminal status are persisted by the caller from the returned results.
type Registry interface {
	IsCancelled(ctx context.Context, campaignID string) (bool, error)
	// RecordOutcome upserts the recipient row keyed by (campaignID, email).
	RecordOutcome(ctx context.Context, campaignID, email string, outcome Outcome, errMsg string) error
}
