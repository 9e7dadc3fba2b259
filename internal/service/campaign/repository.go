package campaign

import (
	"context"

	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/domain"
)

// Repository defines the data access contract for campaigns and their
// per-recipient outcomes. Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new draft campaign with its verification results.
	Create(ctx context.Context, c *domain.Campaign) error

	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns all campaigns, newest first.
	List(ctx context.Context) ([]domain.Campaign, error)

	// UpdateStatus transitions a campaign's status and returns the updated
	// campaign. Returns ErrInvalidTransition if the transition is not allowed.
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) (*domain.Campaign, error)

	// RequestCancel raises the campaign's cancel flag. It is never lowered.
	RequestCancel(ctx context.Context, id string) error

	// IsCancelled reads the cancel flag.
	IsCancelled(ctx context.Context, id string) (bool, error)

	// RecordOutcome upserts the recipient row keyed by (id, email).
	RecordOutcome(ctx context.Context, id, email string, outcome dispatch.Outcome, errMsg string) error

	// Outcomes returns the per-recipient rows in insertion order.
	Outcomes(ctx context.Context, id string) ([]domain.Recipient, error)

	// Finish stores the run's aggregate counts. A campaign still sending
	// moves to status; one already in a terminal state keeps it.
	Finish(ctx context.Context, id string, status domain.CampaignStatus, sent, failed int) (*domain.Campaign, error)

	// Ping checks the backing store.
	Ping(ctx context.Context) error
}
