package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/domain"
	"github.com/ignite/campaign-mailer/internal/pkg/distlock"
	"github.com/ignite/campaign-mailer/internal/repository/memory"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
)

// fakeSender records every recipient as sent unless fail says otherwise.
// When gate is set it blocks after the first recipient until gate closes.
type fakeSender struct {
	fail    func(email string) bool
	gate    chan struct{}
	started chan struct{}
	calls   int32
}

func (f *fakeSender) SendBulk(ctx context.Context, recipients []string, subject, body, id string, reg dispatch.Registry) ([]dispatch.SendResult, error) {
	atomic.AddInt32(&f.calls, 1)
	var out []dispatch.SendResult
	for i, email := range recipients {
		if i == 1 && f.gate != nil {
			if f.started != nil {
				close(f.started)
			}
			select {
			case <-f.gate:
			case <-ctx.Done():
				return out, ctx.Err()
			}
			if cancelled, _ := reg.IsCancelled(ctx, id); cancelled {
				return out, nil
			}
		}
		res := dispatch.SendResult{Email: email, Success: true, Attempts: 1}
		outcome := dispatch.OutcomeSent
		if f.fail != nil && f.fail(email) {
			res = dispatch.SendResult{Email: email, Attempts: 3, Error: "mailbox unavailable"}
			outcome = dispatch.OutcomeFailed
		}
		if err := reg.RecordOutcome(ctx, id, email, outcome, res.Error); err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	reports []*campaign.Report
}

func (a *fakeArchiver) SaveResults(_ context.Context, r *campaign.Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

type fakeFlags struct {
	mu  sync.Mutex
	set map[string]bool
}

func (f *fakeFlags) Set(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = make(map[string]bool)
	}
	f.set[id] = true
	return nil
}

func (f *fakeFlags) IsSet(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[id], nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (bool, error) { return false, nil }
func (heldLock) Release(context.Context) error         { return nil }

func newService(t *testing.T, sender campaign.Sender, opts ...campaign.Option) (*campaign.Service, *memory.CampaignRepo) {
	t.Helper()
	repo := memory.NewCampaignRepo()
	svc := campaign.NewService(repo, sender, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, repo
}

func createCampaign(t *testing.T, svc *campaign.Service, emails ...string) *domain.Campaign {
	t.Helper()
	c, err := svc.Create(context.Background(), campaign.CreateInput{
		Name:    "Spring Launch",
		Subject: "Hello {{name}}",
		Body:    "Hi {{name}}, welcome to {{email}}",
		Emails:  emails,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestCreate(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	c := createCampaign(t, svc, "Jane.Roe@Example.com", "not-an-email", "bob@example.com")

	if c.Status != domain.CampaignDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}
	if c.TotalEmails != 3 || c.ValidEmails != 2 || c.InvalidEmails != 1 {
		t.Fatalf("unexpected counts: total=%d valid=%d invalid=%d", c.TotalEmails, c.ValidEmails, c.InvalidEmails)
	}
	if len(c.Verification) != 3 || c.Verification[1].IsValid {
		t.Fatalf("verification should keep input order: %+v", c.Verification)
	}
	if c.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	_, err := svc.Create(context.Background(), campaign.CreateInput{Name: " "})
	if !errors.Is(err, campaign.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	for _, field := range []string{"name", "subject", "body", "email"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s: %v", field, err)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	_, err := svc.Get(context.Background(), "missing")
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	createCampaign(t, svc, "a@example.com")
	createCampaign(t, svc, "b@example.com")

	list, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 campaigns, got %d", len(list))
	}
}

func TestSendCompletes(t *testing.T) {
	sender := &fakeSender{fail: func(e string) bool { return e == "bounce@example.com" }}
	archiver := &fakeArchiver{}
	svc, _ := newService(t, sender, campaign.WithArchiver(archiver))
	c := createCampaign(t, svc, "a@example.com", "bounce@example.com", "bad", "c@example.com")
	ctx := context.Background()

	started, err := svc.Send(ctx, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if started.TotalRecipients != 3 {
		t.Fatalf("expected 3 valid recipients, got %d", started.TotalRecipients)
	}
	svc.Wait(c.ID)

	got, _ := svc.Get(ctx, c.ID)
	if got.Status != domain.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.SentCount != 2 || got.FailedCount != 1 {
		t.Fatalf("expected 2 sent / 1 failed, got %d / %d", got.SentCount, got.FailedCount)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("expected start and completion timestamps")
	}

	res, err := svc.Results(ctx, c.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	statuses := map[string]domain.RecipientStatus{}
	for _, r := range res.Recipients {
		statuses[r.Email] = r.Status
	}
	want := map[string]domain.RecipientStatus{
		"a@example.com":      domain.RecipientSent,
		"bounce@example.com": domain.RecipientFailed,
		"c@example.com":      domain.RecipientSent,
		"bad":                domain.RecipientPending,
	}
	for email, status := range want {
		if statuses[email] != status {
			t.Errorf("%s: expected %s, got %s", email, status, statuses[email])
		}
	}
	if len(res.Verification) != 4 {
		t.Errorf("expected 4 verification results, got %d", len(res.Verification))
	}

	if len(archiver.reports) != 1 {
		t.Fatalf("expected 1 archived report, got %d", len(archiver.reports))
	}
	if rep := archiver.reports[0]; len(rep.Results) != 3 || rep.Campaign.Status != domain.CampaignCompleted {
		t.Fatalf("unexpected report: %d results, status %s", len(rep.Results), rep.Campaign.Status)
	}
}

func TestSendWithRealEngine(t *testing.T) {
	tr := transportFunc(func(_ context.Context, to, subject, body string) error {
		if to == "down@example.com" {
			return errors.New("relay refused")
		}
		return nil
	})
	cfg := dispatch.DefaultConfig()
	cfg.MaxBatchSize = 2
	cfg.InterBatchDelay = 0
	cfg.RetryBaseDelay = time.Millisecond
	engine := dispatch.New(tr, cfg)

	svc, _ := newService(t, engine)
	c := createCampaign(t, svc, "a@example.com", "b@example.com", "down@example.com")
	if _, err := svc.Send(context.Background(), c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	svc.Wait(c.ID)
	if err := engine.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	res, err := svc.Results(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if res.Status != domain.CampaignCompleted || res.SentCount != 2 || res.FailedCount != 1 {
		t.Fatalf("unexpected results: status=%s sent=%d failed=%d", res.Status, res.SentCount, res.FailedCount)
	}
	for _, r := range res.Recipients {
		if r.Email == "down@example.com" && (r.Status != domain.RecipientFailed || r.Error == "") {
			t.Fatalf("expected failed row with error, got %+v", r)
		}
	}
}

type transportFunc func(ctx context.Context, to, subject, body string) error

func (f transportFunc) Verify(context.Context) bool { return true }
func (f transportFunc) SendOne(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}

func TestSendNoValidRecipients(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	c := createCampaign(t, svc, "nope", "also nope")

	_, err := svc.Send(context.Background(), c.ID)
	if !errors.Is(err, campaign.ErrNoValidRecipients) {
		t.Fatalf("expected ErrNoValidRecipients, got %v", err)
	}
	got, _ := svc.Get(context.Background(), c.ID)
	if got.Status != domain.CampaignDraft {
		t.Fatalf("campaign should stay draft, got %s", got.Status)
	}
}

func TestSendAlreadySending(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{}), started: make(chan struct{})}
	svc, _ := newService(t, sender)
	c := createCampaign(t, svc, "a@example.com", "b@example.com")

	if _, err := svc.Send(context.Background(), c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-sender.started

	_, err := svc.Send(context.Background(), c.ID)
	if !errors.Is(err, campaign.ErrAlreadySending) {
		t.Fatalf("expected ErrAlreadySending, got %v", err)
	}
	close(sender.gate)
	svc.Wait(c.ID)

	_, err = svc.Send(context.Background(), c.ID)
	if !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for completed campaign, got %v", err)
	}
}

func TestSendLockHeldElsewhere(t *testing.T) {
	svc, _ := newService(t, &fakeSender{},
		campaign.WithLocks(func(string) distlock.DistLock { return heldLock{} }, time.Minute))
	c := createCampaign(t, svc, "a@example.com")

	_, err := svc.Send(context.Background(), c.ID)
	if !errors.Is(err, campaign.ErrAlreadySending) {
		t.Fatalf("expected ErrAlreadySending, got %v", err)
	}
	got, _ := svc.Get(context.Background(), c.ID)
	if got.Status != domain.CampaignDraft {
		t.Fatalf("campaign should stay draft, got %s", got.Status)
	}
}

func TestStopWhileSending(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{}), started: make(chan struct{})}
	flags := &fakeFlags{}
	svc, repo := newService(t, sender, campaign.WithCancelFlags(flags))
	c := createCampaign(t, svc, "a@example.com", "b@example.com", "c@example.com")
	ctx := context.Background()

	if _, err := svc.Send(ctx, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-sender.started

	stopped, err := svc.Stop(ctx, c.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.CampaignStopped || stopped.StoppedAt == nil {
		t.Fatalf("expected stopped with timestamp, got %s", stopped.Status)
	}
	if set, _ := flags.IsSet(ctx, c.ID); !set {
		t.Fatal("expected shared cancel flag to be raised")
	}
	if cancelled, _ := repo.IsCancelled(ctx, c.ID); !cancelled {
		t.Fatal("expected repository cancel flag to be raised")
	}

	close(sender.gate)
	svc.Wait(c.ID)

	got, _ := svc.Get(ctx, c.ID)
	if got.Status != domain.CampaignStopped {
		t.Fatalf("stopped is terminal, got %s", got.Status)
	}
	if got.SentCount != 1 {
		t.Fatalf("expected only the first recipient sent, got %d", got.SentCount)
	}
}

func TestStopDraftAndIdempotence(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	c := createCampaign(t, svc, "a@example.com")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := svc.Stop(ctx, c.ID)
		if err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
		if got.Status != domain.CampaignStopped {
			t.Fatalf("expected stopped, got %s", got.Status)
		}
	}

	_, err := svc.Send(ctx, c.ID)
	if !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("stopped campaign must not send, got %v", err)
	}
}

func TestStopCompletedIsRejected(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	c := createCampaign(t, svc, "a@example.com")
	ctx := context.Background()

	if _, err := svc.Send(ctx, c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	svc.Wait(c.ID)

	_, err := svc.Stop(ctx, c.ID)
	if !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResultsNotFound(t *testing.T) {
	svc, _ := newService(t, &fakeSender{})
	_, err := svc.Results(context.Background(), "missing")
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestShutdownStopsRunningCampaigns(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{}), started: make(chan struct{})}
	archiver := &fakeArchiver{}
	repo := memory.NewCampaignRepo()
	svc := campaign.NewService(repo, sender, campaign.WithArchiver(archiver))
	c := createCampaign(t, svc, "a@example.com", "b@example.com")

	if _, err := svc.Send(context.Background(), c.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-sender.started
	if n := svc.Running(); n != 1 {
		t.Fatalf("expected 1 running dispatch, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := svc.Running(); n != 0 {
		t.Fatalf("expected no running dispatch, got %d", n)
	}

	got, _ := repo.Get(context.Background(), c.ID)
	if got.Status != domain.CampaignStopped {
		t.Fatalf("expected stopped after shutdown, got %s", got.Status)
	}
	if len(archiver.reports) != 1 || archiver.reports[0].RunError == "" {
		t.Fatal("expected an archived report carrying the run error")
	}

	other := createCampaign(t, svc, "z@example.com")
	if _, err := svc.Send(context.Background(), other.ID); !errors.Is(err, campaign.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestConcurrentSendsStartOnce(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{}), started: make(chan struct{})}
	svc, _ := newService(t, sender)
	c := createCampaign(t, svc, "a@example.com", "b@example.com")

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Send(context.Background(), c.ID); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	close(sender.gate)
	svc.Wait(c.ID)

	if ok != 1 {
		t.Fatalf("expected exactly one send to start, got %d", ok)
	}
	if calls := atomic.LoadInt32(&sender.calls); calls != 1 {
		t.Fatalf("expected one dispatch run, got %d", calls)
	}
}

func ExampleService_Create() {
	svc := campaign.NewService(memory.NewCampaignRepo(), &fakeSender{})
	c, _ := svc.Create(context.Background(), campaign.CreateInput{
		Name:    "Launch",
		Subject: "Hi {{name}}",
		Body:    "Hello",
		Emails:  []string{"ok@example.com", "broken"},
	})
	fmt.Println(c.Status, c.ValidEmails, c.InvalidEmails)
	// Output: draft 1 1
}
