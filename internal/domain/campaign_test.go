package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/ignite/campaign-mailer/internal/validator"
)

func TestCanTransitionTo(t *testing.T) {
	all := []CampaignStatus{CampaignDraft, CampaignSending, CampaignCompleted, CampaignFailed, CampaignStopped}
	allowed := map[[2]CampaignStatus]bool{
		{CampaignDraft, CampaignSending}:     true,
		{CampaignDraft, CampaignStopped}:     true,
		{CampaignSending, CampaignCompleted}: true,
		{CampaignSending, CampaignFailed}:    true,
		{CampaignSending, CampaignStopped}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]CampaignStatus{from, to}]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	for _, s := range []CampaignStatus{CampaignCompleted, CampaignFailed, CampaignStopped} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
		c := &Campaign{Status: s}
		if err := c.Transition(CampaignSending, time.Now()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> sending: expected ErrInvalidTransition, got %v", s, err)
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Campaign{Status: CampaignDraft}

	if err := c.Transition(CampaignSending, now); err != nil {
		t.Fatal(err)
	}
	if c.StartedAt == nil || !c.StartedAt.Equal(now) {
		t.Fatalf("started_at not stamped: %v", c.StartedAt)
	}

	later := now.Add(time.Minute)
	if err := c.Transition(CampaignCompleted, later); err != nil {
		t.Fatal(err)
	}
	if c.CompletedAt == nil || !c.CompletedAt.Equal(later) {
		t.Fatalf("completed_at not stamped: %v", c.CompletedAt)
	}
}

func TestTransitionSources(t *testing.T) {
	got := TransitionSources(CampaignStopped)
	if len(got) != 2 || got[0] != CampaignDraft || got[1] != CampaignSending {
		t.Fatalf("unexpected sources for stopped: %v", got)
	}
	if got := TransitionSources(CampaignDraft); len(got) != 0 {
		t.Fatalf("nothing moves back to draft, got %v", got)
	}
}

func TestNewCampaign(t *testing.T) {
	raw := []string{"A@x.com", "a@x.com", "bad", "b@y.org"}
	c := NewCampaign("id-1", "Launch", "Hi", "Body", raw, validator.Validate(raw), time.Now())

	if c.Status != CampaignDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}
	if c.TotalEmails != 4 || c.ValidEmails != 2 || c.InvalidEmails != 2 {
		t.Fatalf("unexpected counts: total=%d valid=%d invalid=%d", c.TotalEmails, c.ValidEmails, c.InvalidEmails)
	}
	valid := c.ValidRecipients()
	if len(valid) != 2 || valid[0] != "a@x.com" || valid[1] != "b@y.org" {
		t.Fatalf("unexpected valid recipients: %v", valid)
	}
}
