package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/domain"
	"github.com/ignite/campaign-mailer/internal/pkg/distlock"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/validator"
)

const finishTimeout = 30 * time.Second

// Sender runs one bulk dispatch. *dispatch.Engine satisfies it.
type Sender interface {
	SendBulk(ctx context.Context, recipients []string, subject, body, campaignID string, reg dispatch.Registry) ([]dispatch.SendResult, error)
}

// Archiver stores the report of a finished run.
type Archiver interface {
	SaveResults(ctx context.Context, report *Report) error
}

// CancelFlags is a shared cancel flag store, checked in addition to the
// repository's own flag.
type CancelFlags interface {
	Set(ctx context.Context, campaignID string) error
	IsSet(ctx context.Context, campaignID string) (bool, error)
}

// LockFunc builds the lock guarding a campaign's dispatch run.
type LockFunc func(key string) distlock.DistLock

// Option configures a Service.
type Option func(*Service)

// WithArchiver stores a report after every finished run.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithCancelFlags adds a shared cancel flag store.
func WithCancelFlags(f CancelFlags) Option {
	return func(s *Service) { s.flags = f }
}

// WithLocks replaces the in-process send lock. ttl is handed to locks that
// support Extend and refreshed while the run lasts.
func WithLocks(fn LockFunc, ttl time.Duration) Option {
	return func(s *Service) {
		s.newLock = fn
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service implements campaign business logic. It coordinates the
// repository, the bulk sender and the optional archive. All public methods
// are safe for concurrent use if the underlying repository is.
type Service struct {
	repo     Repository
	sender   Sender
	archiver Archiver
	flags    CancelFlags
	newLock  LockFunc
	lockTTL  time.Duration
	log      *logger.Logger
	now      func() time.Time

	runCtx   context.Context
	stopRuns context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{}
	closed  bool
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository, sender Sender, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		sender:  sender,
		newLock: func(key string) distlock.DistLock { return distlock.NewLocalLock(key) },
		lockTTL: time.Hour,
		log:     logger.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		running: make(map[string]chan struct{}),
	}
	s.runCtx, s.stopRuns = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name    string   `json:"name"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Emails  []string `json:"emails"`
}

func (in CreateInput) validate() error {
	var errs []error
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, fmt.Errorf("%w: campaign name is required", ErrInvalidInput))
	}
	if strings.TrimSpace(in.Subject) == "" {
		errs = append(errs, fmt.Errorf("%w: subject is required", ErrInvalidInput))
	}
	if strings.TrimSpace(in.Body) == "" {
		errs = append(errs, fmt.Errorf("%w: body is required", ErrInvalidInput))
	}
	if len(in.Emails) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one email is required", ErrInvalidInput))
	}
	return errors.Join(errs...)
}

// SendStarted describes a dispatch run that was just launched.
type SendStarted struct {
	CampaignID      string `json:"campaignId"`
	TotalRecipients int    `json:"totalRecipients"`
}

// Results is the full accounting of a campaign: verification verdicts for
// every raw input and persisted outcomes for every attempted recipient.
type Results struct {
	CampaignID    string                         `json:"campaignId"`
	Status        domain.CampaignStatus          `json:"status"`
	TotalEmails   int                            `json:"totalEmails"`
	ValidEmails   int                            `json:"validEmails"`
	InvalidEmails int                            `json:"invalidEmails"`
	SentCount     int                            `json:"sentCount"`
	FailedCount   int                            `json:"failedCount"`
	Verification  []validator.VerificationResult `json:"verification"`
	Recipients    []domain.Recipient             `json:"recipients"`
}

// Report is what gets archived once a run ends.
type Report struct {
	Campaign     *domain.Campaign               `json:"campaign"`
	Verification []validator.VerificationResult `json:"verification"`
	Results      []dispatch.SendResult          `json:"results"`
	RunError     string                         `json:"run_error,omitempty"`
	ArchivedAt   time.Time                      `json:"archived_at"`
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns all campaigns.
func (s *Service) List(ctx context.Context) ([]domain.Campaign, error) {
	return s.repo.List(ctx)
}

// Ping checks the repository, for health probes.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Create validates the input, verifies every recipient once and persists a
// new draft. Verification is never repeated at send time.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	verification := validator.Validate(input.Emails)
	c := domain.NewCampaign(uuid.New().String(),
		strings.TrimSpace(input.Name), input.Subject, input.Body,
		input.Emails, verification, s.now())

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.log.Info("[campaign.Service] campaign created",
		"campaign_id", c.ID, "total", c.TotalEmails, "valid", c.ValidEmails, "invalid", c.InvalidEmails)
	return c, nil
}

// Send moves a draft to sending and dispatches its valid recipients in the
// background. Only one run per campaign can hold the send lock.
func (s *Service) Send(ctx context.Context, id string) (*SendStarted, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case domain.CampaignDraft:
	case domain.CampaignSending:
		return nil, ErrAlreadySending
	default:
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	valid := c.ValidRecipients()
	if len(valid) == 0 {
		return nil, ErrNoValidRecipients
	}

	lock := s.newLock(distlock.CampaignSendKey(id))
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire send lock: %w", err)
	}
	if !acquired {
		return nil, ErrAlreadySending
	}

	c, err = s.repo.UpdateStatus(ctx, id, domain.CampaignSending)
	if err != nil {
		s.releaseLock(lock, id)
		return nil, fmt.Errorf("transition to sending: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseLock(lock, id)
		if _, ferr := s.repo.Finish(context.Background(), id, domain.CampaignFailed, 0, 0); ferr != nil {
			s.log.Error("[campaign.Service] rollback failed", "campaign_id", id, "error", ferr)
		}
		return nil, ErrShuttingDown
	}
	done := make(chan struct{})
	s.running[id] = done
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("[campaign.Service] sending started", "campaign_id", id, "recipients", len(valid))
	go s.run(c, valid, lock, done)

	return &SendStarted{CampaignID: id, TotalRecipients: len(valid)}, nil
}

func (s *Service) run(c *domain.Campaign, valid []string, lock distlock.DistLock, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		delete(s.running, c.ID)
		s.mu.Unlock()
		close(done)
		s.wg.Done()
	}()
	log := s.log.With("campaign_id", c.ID)

	stopRefresh := s.keepLockAlive(lock, log)
	results, runErr := s.sender.SendBulk(s.runCtx, valid, c.Subject, c.Body, c.ID, registry{s: s})
	stopRefresh()

	sent, failed := dispatch.Tally(results)
	status := domain.CampaignCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = domain.CampaignStopped
	default:
		status = domain.CampaignFailed
		log.Error("[campaign.Service] dispatch run failed", "error", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	final, err := s.repo.Finish(ctx, c.ID, status, sent, failed)
	if err != nil {
		log.Error("[campaign.Service] finish failed", "error", err)
		final = c
		final.SentCount, final.FailedCount = sent, failed
	}
	s.releaseLock(lock, c.ID)

	log.Info("[campaign.Service] campaign finished",
		"status", string(final.Status), "sent", sent, "failed", failed)

	if s.archiver == nil {
		return
	}
	report := &Report{
		Campaign:     final,
		Verification: final.Verification,
		Results:      results,
		ArchivedAt:   s.now(),
	}
	if runErr != nil {
		report.RunError = runErr.Error()
	}
	if err := s.archiver.SaveResults(ctx, report); err != nil {
		log.Warn("[campaign.Service] archive failed", "error", err)
	}
}

// keepLockAlive refreshes locks that expire on their own for as long as the
// run lasts.
func (s *Service) keepLockAlive(lock distlock.DistLock, log *logger.Logger) func() {
	ext, ok := lock.(interface {
		Extend(ctx context.Context, ttl time.Duration) error
	})
	if !ok {
		return func() {}
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(s.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := ext.Extend(ctx, s.lockTTL); err != nil {
					log.Warn("[campaign.Service] send lock refresh failed", "error", err)
				}
				cancel()
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (s *Service) releaseLock(lock distlock.DistLock, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		s.log.Warn("[campaign.Service] send lock release failed", "campaign_id", id, "error", err)
	}
}

// Stop raises the cancel flag and moves the campaign to stopped. A running
// dispatch notices the flag at its next batch boundary. Stopping a stopped
// campaign is a no-op.
func (s *Service) Stop(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.CampaignStopped {
		return c, nil
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	if err := s.repo.RequestCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	if s.flags != nil {
		if err := s.flags.Set(ctx, id); err != nil {
			s.log.Warn("[campaign.Service] shared cancel flag not set", "campaign_id", id, "error", err)
		}
	}

	stopped, err := s.repo.UpdateStatus(ctx, id, domain.CampaignStopped)
	if err != nil {
		return nil, fmt.Errorf("transition to stopped: %w", err)
	}
	s.log.Info("[campaign.Service] campaign stopped", "campaign_id", id)
	return stopped, nil
}

// Results returns aggregate counts, verification verdicts and persisted
// per-recipient outcomes.
func (s *Service) Results(ctx context.Context, id string) (*Results, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	recipients, err := s.repo.Outcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	if recipients == nil {
		recipients = []domain.Recipient{}
	}
	return &Results{
		CampaignID:    c.ID,
		Status:        c.Status,
		TotalEmails:   c.TotalEmails,
		ValidEmails:   c.ValidEmails,
		InvalidEmails: c.InvalidEmails,
		SentCount:     c.SentCount,
		FailedCount:   c.FailedCount,
		Verification:  c.Verification,
		Recipients:    recipients,
	}, nil
}

// Wait blocks until the campaign's running dispatch, if any, has finished.
func (s *Service) Wait(id string) {
	s.mu.Lock()
	done := s.running[id]
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running returns the number of dispatch runs in progress.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown refuses new sends, asks running dispatches to stop at their next
// batch boundary and waits for them. Batches already in flight complete.
// Running campaigns end up stopped.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopRuns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatch runs: %w", ctx.Err())
	}

	if f, ok := s.sender.(interface{ Flush(context.Context) error }); ok {
		return f.Flush(ctx)
	}
	return nil
}

// registry is the engine's view of the service: the cancel flag is raised
// when either the repository or the shared flag store has it.
type registry struct {
	s *Service
}

func (r registry) IsCancelled(ctx context.Context, id string) (bool, error) {
	if r.s.flags != nil {
		set, err := r.s.flags.IsSet(ctx, id)
		if err != nil {
			r.s.log.Warn("[campaign.Service] shared cancel flag lookup failed", "campaign_id", id, "error", err)
		} else if set {
			return true, nil
		}
	}
	return r.s.repo.IsCancelled(ctx, id)
}

func (r registry) RecordOutcome(ctx context.Context, id, email string, outcome dispatch.Outcome, errMsg string) error {
	return r.s.repo.RecordOutcome(ctx, id, email, outcome, errMsg)
}
