package eligibility

import (
	"testing"
	"time"

	"patientq/internal/domain"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id, sessionID, moderatorID string, createdOffset time.Duration, opts ...func(*domain.Message)) domain.Message {
	m := domain.Message{
		ID:          id,
		QueueID:     "q1",
		PatientID:   "p-" + id,
		SessionID:   sessionID,
		ModeratorID: moderatorID,
		Status:      domain.MessageQueued,
		Lifecycle:   domain.LifecycleActive,
		CreatedAt:   base.Add(createdOffset),
	}
	for _, o := range opts {
		o(&m)
	}
	return m
}

func paused(m *domain.Message)  { m.IsPaused = true }
func trashed(m *domain.Message) { m.Lifecycle = domain.LifecycleTrashed }

func ids(ms []domain.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestPausedMessageNeverSelected(t *testing.T) {
	msgs := []domain.Message{
		msg("m1", "", "", 0, paused),
		msg("m2", "s1", "mod1", time.Minute, paused),
	}
	sessions := map[string]domain.MessageSession{
		"s1": {ID: "s1", StartTime: base},
	}
	got := SelectEligible(msgs, sessions, nil)
	if len(got) != 0 {
		t.Fatalf("paused messages selected: %v", ids(got))
	}
}

func TestModeratorPauseOverridesLowerLevels(t *testing.T) {
	msgs := []domain.Message{
		msg("m1", "s1", "mod1", 0),
		msg("m2", "s1", "mod2", time.Minute),
	}
	sessions := map[string]domain.MessageSession{
		"s1": {ID: "s1", StartTime: base},
	}
	got := SelectEligible(msgs, sessions, map[string]bool{"mod1": true})
	if len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("expected only m2, got %v", ids(got))
	}
}

func TestSessionPauseExcludes(t *testing.T) {
	msgs := []domain.Message{
		msg("m1", "s1", "", 0),
		msg("m2", "s2", "", time.Minute),
	}
	sessions := map[string]domain.MessageSession{
		"s1": {ID: "s1", IsPaused: true, StartTime: base},
		"s2": {ID: "s2", StartTime: base},
	}
	got := SelectEligible(msgs, sessions, nil)
	if len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("expected only m2, got %v", ids(got))
	}
}

func TestNonQueuedAndDeletedExcluded(t *testing.T) {
	sending := msg("m1", "", "", 0)
	sending.Status = domain.MessageSending
	msgs := []domain.Message{
		sending,
		msg("m2", "", "", 0, trashed),
		msg("m3", "", "", 0),
	}
	got := SelectEligible(msgs, nil, nil)
	if len(got) != 1 || got[0].ID != "m3" {
		t.Fatalf("expected only m3, got %v", ids(got))
	}
}

func TestOrderingSessionsThenCreatedAt(t *testing.T) {
	sessions := map[string]domain.MessageSession{
		"s1": {ID: "s1", StartTime: base.Add(1 * time.Hour)},
		"s2": {ID: "s2", StartTime: base.Add(2 * time.Hour)},
	}
	msgs := []domain.Message{
		msg("s2-b", "s2", "", 40*time.Minute),
		msg("s1-b", "s1", "", 30*time.Minute),
		msg("s2-a", "s2", "", 10*time.Minute),
		msg("s1-a", "s1", "", 20*time.Minute),
	}
	got := ids(SelectEligible(msgs, sessions, nil))
	want := []string{"s1-a", "s1-b", "s2-a", "s2-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestSessionlessMessagesFloatToFront(t *testing.T) {
	sessions := map[string]domain.MessageSession{
		"s1": {ID: "s1", StartTime: base.Add(-24 * time.Hour)},
	}
	msgs := []domain.Message{
		msg("in-session", "s1", "", 0),
		// Created long after the session started, still sorts first.
		msg("loose", "", "", 48*time.Hour),
	}
	got := ids(SelectEligible(msgs, sessions, nil))
	if got[0] != "loose" || got[1] != "in-session" {
		t.Fatalf("sessionless message must sort first, got %v", got)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	sessions := map[string]domain.MessageSession{
		"s1": {ID: "s1", StartTime: base},
	}
	msgs := []domain.Message{
		msg("a", "s1", "", 0),
		msg("b", "s1", "", 0), // identical sort key to a
		msg("c", "", "", time.Minute),
	}
	first := ids(SelectEligible(msgs, sessions, nil))
	for i := 0; i < 20; i++ {
		again := ids(SelectEligible(msgs, sessions, nil))
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("selection not deterministic: %v vs %v", first, again)
			}
		}
	}
}
