package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"patientq/internal/command"
	"patientq/internal/domain"
	"patientq/internal/store"
	sqsqueue "patientq/internal/queue/sqs"
)

type fakeCommandStore struct {
	mu   sync.Mutex
	cmds map[string]domain.Command
}

func newFakeCommandStore() *fakeCommandStore {
	return &fakeCommandStore{cmds: map[string]domain.Command{}}
}

func (f *fakeCommandStore) InsertCommand(_ context.Context, in store.CommandInsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[in.ID] = domain.Command{
		ID: in.ID, ModeratorID: in.ModeratorID, MessageID: in.MessageID,
		CommandType: in.CommandType, Payload: in.Payload,
		Status: domain.CommandPending, RetryCount: in.RetryCount,
		CreatedAt: in.Now, ExpiresAt: in.ExpiresAt,
	}
	return nil
}

func (f *fakeCommandStore) GetCommand(_ context.Context, id string) (domain.Command, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cmds[id]
	return c, ok, nil
}

func (f *fakeCommandStore) TransitionCommand(_ context.Context, in store.CommandTransition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cmds[in.ID]
	if !ok || c.Status != in.From {
		return false, nil
	}
	c.Status = in.To
	if in.FailReason != "" {
		c.FailReason = in.FailReason
	}
	f.cmds[in.ID] = c
	return true, nil
}

func (f *fakeCommandStore) PendingCommands(_ context.Context, _ string) ([]domain.Command, error) {
	return nil, nil
}

func (f *fakeCommandStore) DueForExpiry(_ context.Context, now time.Time) ([]domain.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Command
	for _, c := range f.cmds {
		if !domain.IsCommandTerminal(c.Status) && c.Expired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCommandStore) AckedBefore(_ context.Context, cutoff time.Time) ([]domain.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Command
	for _, c := range f.cmds {
		if c.Status == domain.CommandAcked && c.AckedAt != nil && c.AckedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCommandStore) PendingOlderThan(_ context.Context, cutoff time.Time) ([]domain.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Command
	for _, c := range f.cmds {
		if c.Status == domain.CommandPending && c.CreatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeMessageStore struct {
	mu       sync.Mutex
	statuses map[string]domain.MessageStatus
	archived int64
}

func (f *fakeMessageStore) TransitionMessage(_ context.Context, in store.MessageTransition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.statuses[in.ID]
	if !ok || cur != in.From {
		return false, nil
	}
	f.statuses[in.ID] = in.To
	return true, nil
}

func (f *fakeMessageStore) ArchiveExpiredTrash(_ context.Context, _ time.Time) (int64, error) {
	return f.archived, nil
}

type fakeReaper struct{ reaped int64 }

func (f *fakeReaper) ReapStale(_ context.Context, _ time.Time) (int64, error) {
	return f.reaped, nil
}

type fakePlanner struct {
	runs int
	err  error
}

func (f *fakePlanner) Run(_ context.Context, _ time.Time) (int, error) {
	f.runs++
	return 0, f.err
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []sqsqueue.DispatchJob
}

func (f *fakeEnqueuer) EnqueueDispatch(_ context.Context, job sqsqueue.DispatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func newSweeper(cs *fakeCommandStore, ms *fakeMessageStore, q *fakeEnqueuer, pl Planner, now time.Time) *Sweeper {
	n := 0
	return &Sweeper{
		Planner: pl,
		Commands: &command.Service{Store: cs, IDGen: func() string {
			n++
			return fmt.Sprintf("cmd_retry_%d", n)
		}},
		Messages: ms,
		Leases:   &fakeReaper{},
		Queue:    q,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return now },
	}
}

func TestTickExpiresOverdueCommandAndFailsMessage(t *testing.T) {
	now := time.Now()
	cs := newFakeCommandStore()
	cs.cmds["cmd_1"] = domain.Command{
		ID: "cmd_1", ModeratorID: "mod_1", MessageID: "m1",
		Status: domain.CommandSent, CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}
	ms := &fakeMessageStore{statuses: map[string]domain.MessageStatus{"m1": domain.MessageSending}}
	s := newSweeper(cs, ms, &fakeEnqueuer{}, &fakePlanner{}, now)

	s.Tick(context.Background())

	if got := cs.cmds["cmd_1"].Status; got != domain.CommandExpired {
		t.Fatalf("command status = %s, want expired", got)
	}
	if got := ms.statuses["m1"]; got != domain.MessageFailed {
		t.Fatalf("message status = %s, want failed", got)
	}
}

func TestTickRetriesStuckAckedCommand(t *testing.T) {
	now := time.Now()
	acked := now.Add(-2 * time.Minute)
	cs := newFakeCommandStore()
	cs.cmds["cmd_1"] = domain.Command{
		ID: "cmd_1", ModeratorID: "mod_1", MessageID: "m1",
		CommandType: "send_message", Status: domain.CommandAcked,
		RetryCount: 0, AckedAt: &acked,
		CreatedAt: now.Add(-5 * time.Minute), ExpiresAt: now.Add(5 * time.Minute),
	}
	ms := &fakeMessageStore{statuses: map[string]domain.MessageStatus{"m1": domain.MessageSending}}
	q := &fakeEnqueuer{}
	s := newSweeper(cs, ms, q, &fakePlanner{}, now)

	s.Tick(context.Background())

	if got := cs.cmds["cmd_1"]; got.Status != domain.CommandFailed || got.FailReason != "ack_timeout" {
		t.Fatalf("original = %+v, want failed/ack_timeout", got)
	}
	retry, ok := cs.cmds["cmd_retry_1"]
	if !ok {
		t.Fatal("no retry command created")
	}
	if retry.Status != domain.CommandPending || retry.RetryCount != 1 {
		t.Fatalf("retry = %+v, want pending retryCount=1", retry)
	}
	if len(q.jobs) != 1 || q.jobs[0].CommandID != retry.ID {
		t.Fatalf("jobs = %+v, want one for %s", q.jobs, retry.ID)
	}
	// Message stays in sending while the retry is in flight.
	if got := ms.statuses["m1"]; got != domain.MessageSending {
		t.Fatalf("message status = %s, want sending", got)
	}
}

// A command on its last permitted attempt still gets a retry; the budget
// only closes once RetryCount reaches the cap.
func TestTickRetriesStuckAckedWithLastRemainingRetry(t *testing.T) {
	now := time.Now()
	acked := now.Add(-2 * time.Minute)
	cs := newFakeCommandStore()
	cs.cmds["cmd_1"] = domain.Command{
		ID: "cmd_1", ModeratorID: "mod_1", MessageID: "m1",
		CommandType: "send_message", Status: domain.CommandAcked,
		RetryCount: command.MaxRetries - 1, AckedAt: &acked,
		CreatedAt: now.Add(-5 * time.Minute), ExpiresAt: now.Add(5 * time.Minute),
	}
	ms := &fakeMessageStore{statuses: map[string]domain.MessageStatus{"m1": domain.MessageSending}}
	q := &fakeEnqueuer{}
	s := newSweeper(cs, ms, q, &fakePlanner{}, now)

	s.Tick(context.Background())

	retry, ok := cs.cmds["cmd_retry_1"]
	if !ok {
		t.Fatal("no retry command created")
	}
	if retry.RetryCount != command.MaxRetries {
		t.Fatalf("retry RetryCount = %d, want %d", retry.RetryCount, command.MaxRetries)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(q.jobs))
	}
	if got := ms.statuses["m1"]; got != domain.MessageSending {
		t.Fatalf("message status = %s, want sending", got)
	}
}

func TestTickFailsMessageWhenRetryBudgetExhausted(t *testing.T) {
	now := time.Now()
	acked := now.Add(-2 * time.Minute)
	cs := newFakeCommandStore()
	cs.cmds["cmd_1"] = domain.Command{
		ID: "cmd_1", ModeratorID: "mod_1", MessageID: "m1",
		Status: domain.CommandAcked, RetryCount: command.MaxRetries, AckedAt: &acked,
		CreatedAt: now.Add(-5 * time.Minute), ExpiresAt: now.Add(5 * time.Minute),
	}
	ms := &fakeMessageStore{statuses: map[string]domain.MessageStatus{"m1": domain.MessageSending}}
	q := &fakeEnqueuer{}
	s := newSweeper(cs, ms, q, &fakePlanner{}, now)

	s.Tick(context.Background())

	if got := cs.cmds["cmd_1"].Status; got != domain.CommandFailed {
		t.Fatalf("command status = %s, want failed", got)
	}
	if len(cs.cmds) != 1 {
		t.Fatalf("commands = %d, want 1 (no retry)", len(cs.cmds))
	}
	if got := ms.statuses["m1"]; got != domain.MessageFailed {
		t.Fatalf("message status = %s, want failed", got)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(q.jobs))
	}
}

func TestTickRedrivesOldPendingCommands(t *testing.T) {
	now := time.Now()
	cs := newFakeCommandStore()
	cs.cmds["cmd_old"] = domain.Command{
		ID: "cmd_old", ModeratorID: "mod_1", MessageID: "m1",
		Status:    domain.CommandPending,
		CreatedAt: now.Add(-5 * time.Minute), ExpiresAt: now.Add(5 * time.Minute),
	}
	cs.cmds["cmd_fresh"] = domain.Command{
		ID: "cmd_fresh", ModeratorID: "mod_1",
		Status:    domain.CommandPending,
		CreatedAt: now.Add(-10 * time.Second), ExpiresAt: now.Add(5 * time.Minute),
	}
	q := &fakeEnqueuer{}
	s := newSweeper(cs, &fakeMessageStore{statuses: map[string]domain.MessageStatus{}}, q, &fakePlanner{}, now)

	s.Tick(context.Background())

	if len(q.jobs) != 1 || q.jobs[0].CommandID != "cmd_old" {
		t.Fatalf("jobs = %+v, want only cmd_old", q.jobs)
	}
}

func TestTickKeepsGoingAfterTaskError(t *testing.T) {
	now := time.Now()
	cs := newFakeCommandStore()
	cs.cmds["cmd_1"] = domain.Command{
		ID: "cmd_1", ModeratorID: "mod_1",
		Status: domain.CommandSent, CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}
	pl := &fakePlanner{err: errors.New("db down")}
	s := newSweeper(cs, &fakeMessageStore{statuses: map[string]domain.MessageStatus{}}, &fakeEnqueuer{}, pl, now)

	s.Tick(context.Background())

	if pl.runs != 1 {
		t.Fatalf("planner runs = %d, want 1", pl.runs)
	}
	if got := cs.cmds["cmd_1"].Status; got != domain.CommandExpired {
		t.Fatalf("expire task did not run after planner error; status = %s", got)
	}
}
