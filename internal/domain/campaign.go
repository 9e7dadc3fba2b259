package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-mailer/internal/validator"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignStopped   CampaignStatus = "stopped"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:   {CampaignSending, CampaignStopped},
	CampaignSending: {CampaignCompleted, CampaignFailed, CampaignStopped},
}

// IsTerminal returns true for completed, failed and stopped. A terminal
// status is never left.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignStopped
}

// CanTransitionTo reports whether s may move to next.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionSources lists the statuses that may move to next.
func TransitionSources(next CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{CampaignDraft, CampaignSending} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

// Campaign is a recipient list plus subject/body templates and the
// aggregate outcome of its dispatch run.
type Campaign struct {
	ID           string                         `json:"id"`
	Name         string                         `json:"name"`
	Subject      string                         `json:"subject"`
	Body         string                         `json:"body"`
	Recipients   []string                       `json:"-"`
	Verification []validator.VerificationResult `json:"-"`
	Status       CampaignStatus                 `json:"status"`

	TotalEmails   int `json:"total_emails"`
	ValidEmails   int `json:"valid_emails"`
	InvalidEmails int `json:"invalid_emails"`
	SentCount     int `json:"sent_count"`
	FailedCount   int `json:"failed_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// NewCampaign builds a draft from raw recipients and their verification.
func NewCampaign(id, name, subject, body string, recipients []string, verification []validator.VerificationResult, now time.Time) *Campaign {
	summary := validator.Summarize(verification)
	return &Campaign{
		ID:            id,
		Name:          name,
		Subject:       subject,
		Body:          body,
		Recipients:    recipients,
		Verification:  verification,
		Status:        CampaignDraft,
		TotalEmails:   len(recipients),
		ValidEmails:   summary.Valid,
		InvalidEmails: summary.Invalid,
		CreatedAt:     now,
	}
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// ValidRecipients returns the normalized addresses that passed verification,
// in input order.
func (c *Campaign) ValidRecipients() []string {
	return validator.Valid(c.Verification)
}

// Transition moves the campaign to next and stamps the matching timestamp.
func (c *Campaign) Transition(next CampaignStatus, at time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	StampTransition(c, next, at)
	return nil
}

// StampTransition sets the timestamp that belongs to entering status.
func StampTransition(c *Campaign, status CampaignStatus, at time.Time) {
	t := at
	switch status {
	case CampaignSending:
		c.StartedAt = &t
	case CampaignCompleted, CampaignFailed:
		c.CompletedAt = &t
	case CampaignStopped:
		c.StoppedAt = &t
	}
}

// RecipientStatus enumerates the lifecycle of a single campaign recipient.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Recipient is the persisted per-address outcome of a campaign.
type Recipient struct {
	CampaignID string          `json:"campaign_id"`
	Email      string          `json:"email"`
	IsValid    bool            `json:"is_valid"`
	Status     RecipientStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
}
