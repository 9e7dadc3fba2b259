// Package memory keeps campaigns in process memory. State is lost on exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/domain"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
)

type entry struct {
	c         domain.Campaign
	cancel    atomic.Bool
	order     []string
	recipient map[string]*domain.Recipient
}

// CampaignRepo implements campaign.Repository in memory.
type CampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*entry
	now       func() time.Time
}

// NewCampaignRepo creates an empty in-memory campaign repository.
func NewCampaignRepo() *CampaignRepo {
	return &CampaignRepo{
		campaigns: make(map[string]*entry),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *CampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("create campaign: id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.campaigns[c.ID]; exists {
		return fmt.Errorf("create campaign: %s already exists", c.ID)
	}

	e := &entry{c: copyCampaign(c), recipient: make(map[string]*domain.Recipient)}
	for _, v := range c.Verification {
		if _, seen := e.recipient[v.Email]; seen {
			continue
		}
		e.order = append(e.order, v.Email)
		e.recipient[v.Email] = &domain.Recipient{
			CampaignID: c.ID,
			Email:      v.Email,
			IsValid:    v.IsValid,
			Status:     domain.RecipientPending,
		}
	}
	r.campaigns[c.ID] = e
	return nil
}

func (r *CampaignRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	c := copyCampaign(&e.c)
	return &c, nil
}

func (r *CampaignRepo) List(_ context.Context) ([]domain.Campaign, error) {
	r.mu.RLock()
	out := make([]domain.Campaign, 0, len(r.campaigns))
	for _, e := range r.campaigns {
		out = append(out, copyCampaign(&e.c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *CampaignRepo) UpdateStatus(_ context.Context, id string, status domain.CampaignStatus) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	if err := e.c.Transition(status, r.now()); err != nil {
		return nil, err
	}
	c := copyCampaign(&e.c)
	return &c, nil
}

func (r *CampaignRepo) RequestCancel(_ context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.cancel.Store(true)
	return nil
}

// IsCancelled reads the flag without taking the repository lock.
func (r *CampaignRepo) IsCancelled(_ context.Context, id string) (bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}
	return e.cancel.Load(), nil
}

func (r *CampaignRepo) RecordOutcome(_ context.Context, id, email string, outcome dispatch.Outcome, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}

	rec, ok := e.recipient[email]
	if !ok {
		rec = &domain.Recipient{CampaignID: id, Email: email, IsValid: true}
		e.recipient[email] = rec
		e.order = append(e.order, email)
	}
	rec.Error = errMsg
	switch outcome {
	case dispatch.OutcomeSent:
		now := r.now()
		rec.Status = domain.RecipientSent
		rec.SentAt = &now
	default:
		rec.Status = domain.RecipientFailed
		rec.SentAt = nil
	}
	return nil
}

func (r *CampaignRepo) Outcomes(_ context.Context, id string) ([]domain.Recipient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	out := make([]domain.Recipient, 0, len(e.order))
	for _, email := range e.order {
		out = append(out, *e.recipient[email])
	}
	return out, nil
}

func (r *CampaignRepo) Finish(_ context.Context, id string, status domain.CampaignStatus, sent, failed int) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	if !e.c.IsTerminal() {
		if err := e.c.Transition(status, r.now()); err != nil {
			return nil, err
		}
	}
	e.c.SentCount = sent
	e.c.FailedCount = failed
	c := copyCampaign(&e.c)
	return &c, nil
}

func (r *CampaignRepo) Ping(context.Context) error { return nil }

func (r *CampaignRepo) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return e, nil
}

func copyCampaign(c *domain.Campaign) domain.Campaign {
	cp := *c
	cp.Recipients = append([]string(nil), c.Recipients...)
	cp.Verification = append(c.Verification[:0:0], c.Verification...)
	return cp
}
