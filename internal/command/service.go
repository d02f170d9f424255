// Package command owns the extension command lifecycle: creation, dispatch
// bookkeeping, acknowledgement, completion, failure, and retry policy.
package command

import (
	"context"
	"time"

	"patientq/internal/domain"
	"patientq/internal/observability"
	"patientq/internal/store"
)

// MinExpiryBuffer is the shortest allowed distance between creation and
// expiry; anything tighter would create already-doomed work.
const MinExpiryBuffer = 5 * time.Second

// MaxRetries caps how many times a failed command may be recreated.
const MaxRetries = 5

// AckTimeout is how long an acked command may sit without completion before
// the sweep treats it as stuck.
const AckTimeout = 60 * time.Second

func CanRetry(retryCount int) bool {
	return retryCount < MaxRetries
}

type Store interface {
	InsertCommand(ctx context.Context, in store.CommandInsert) error
	GetCommand(ctx context.Context, id string) (domain.Command, bool, error)
	TransitionCommand(ctx context.Context, in store.CommandTransition) (bool, error)
	PendingCommands(ctx context.Context, moderatorID string) ([]domain.Command, error)
	DueForExpiry(ctx context.Context, now time.Time) ([]domain.Command, error)
	AckedBefore(ctx context.Context, cutoff time.Time) ([]domain.Command, error)
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Command, error)
}

type Service struct {
	Store Store
	IDGen func() string
}

type CreateParams struct {
	ModeratorID string
	MessageID   string
	CommandType string
	Payload     map[string]any
	ExpiresAt   time.Time
}

// Create persists a new pending command. It rejects an expiry closer than
// MinExpiryBuffer before touching storage.
func (s *Service) Create(ctx context.Context, p CreateParams, now time.Time) (domain.Command, error) {
	cmd, err := s.create(ctx, p, 0, now)
	if err != nil {
		return domain.Command{}, err
	}
	observability.CommandsCreated.WithLabelValues(p.CommandType).Inc()
	return cmd, nil
}

func (s *Service) create(ctx context.Context, p CreateParams, retryCount int, now time.Time) (domain.Command, error) {
	if p.ModeratorID == "" {
		return domain.Command{}, &domain.ValidationError{Field: "moderatorId", Reason: "required"}
	}
	if p.CommandType == "" {
		return domain.Command{}, &domain.ValidationError{Field: "commandType", Reason: "required"}
	}
	if p.ExpiresAt.Before(now.Add(MinExpiryBuffer)) {
		return domain.Command{}, &domain.ValidationError{Field: "expiresAtUtc", Reason: "must be at least 5s in the future"}
	}

	cmd := domain.Command{
		ID:          s.IDGen(),
		ModeratorID: p.ModeratorID,
		MessageID:   p.MessageID,
		CommandType: p.CommandType,
		Payload:     p.Payload,
		Status:      domain.CommandPending,
		RetryCount:  retryCount,
		CreatedAt:   now,
		ExpiresAt:   p.ExpiresAt,
	}
	err := s.Store.InsertCommand(ctx, store.CommandInsert{
		ID:          cmd.ID,
		ModeratorID: cmd.ModeratorID,
		MessageID:   cmd.MessageID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		RetryCount:  retryCount,
		ExpiresAt:   cmd.ExpiresAt,
		Now:         now,
	})
	if err != nil {
		return domain.Command{}, err
	}
	return cmd, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Command, bool, error) {
	return s.Store.GetCommand(ctx, id)
}

// GetPending returns the moderator's non-terminal commands in creation
// order; used for push dispatch and as the polling fallback.
func (s *Service) GetPending(ctx context.Context, moderatorID string) ([]domain.Command, error) {
	return s.Store.PendingCommands(ctx, moderatorID)
}

// MarkSent records that the command envelope reached the group channel.
func (s *Service) MarkSent(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, domain.CommandSent, store.CommandTransition{}, now)
}

// Acknowledge accepts the device's receipt; legal from sent only.
func (s *Service) Acknowledge(ctx context.Context, id string, now time.Time) error {
	ackedAt := now
	return s.transition(ctx, id, domain.CommandAcked, store.CommandTransition{AckedAt: &ackedAt}, now)
}

// Complete finishes the command with the device's reported outcome.
func (s *Service) Complete(ctx context.Context, id, resultStatus string, resultData map[string]any, now time.Time) error {
	return s.transition(ctx, id, domain.CommandCompleted, store.CommandTransition{
		ResultStatus: resultStatus,
		ResultData:   resultData,
	}, now)
}

// Fail marks the command failed. Recreating a retryable command is the
// caller's decision, via RetryFrom.
func (s *Service) Fail(ctx context.Context, id, reason string, now time.Time) error {
	return s.transition(ctx, id, domain.CommandFailed, store.CommandTransition{FailReason: reason}, now)
}

// transition loads the command, applies the expiry guard and the two-phase
// check (table legality, then status CAS), and rejects stale writes.
func (s *Service) transition(ctx context.Context, id string, to domain.CommandStatus, extra store.CommandTransition, now time.Time) error {
	cmd, found, err := s.Store.GetCommand(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return &domain.ValidationError{Field: "commandId", Reason: "unknown command " + id}
	}
	if cmd.Status == domain.CommandExpired || (cmd.Expired(now) && to != domain.CommandExpired) {
		return &domain.ExpiryError{CommandID: id, ExpiredAt: cmd.ExpiresAt}
	}
	if err := domain.ValidateCommandTransition(id, cmd.Status, to); err != nil {
		return err
	}

	extra.ID = id
	extra.From = cmd.Status
	extra.To = to
	extra.Now = now
	ok, err := s.Store.TransitionCommand(ctx, extra)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.TransitionError{Entity: "command", ID: id, From: string(cmd.Status), To: string(to), Stale: true}
	}
	observability.CommandTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// RetryFrom recreates a failed command as a fresh pending one, carrying the
// incremented retry count and a new expiry window of the same length.
func (s *Service) RetryFrom(ctx context.Context, failed domain.Command, now time.Time) (domain.Command, error) {
	if !CanRetry(failed.RetryCount) {
		return domain.Command{}, &domain.ValidationError{Field: "retryCount", Reason: "retry budget exhausted"}
	}
	window := failed.ExpiresAt.Sub(failed.CreatedAt)
	if window < MinExpiryBuffer {
		window = MinExpiryBuffer
	}
	return s.create(ctx, CreateParams{
		ModeratorID: failed.ModeratorID,
		MessageID:   failed.MessageID,
		CommandType: failed.CommandType,
		Payload:     failed.Payload,
		ExpiresAt:   now.Add(window),
	}, failed.RetryCount+1, now)
}

// ExpireDue moves every non-terminal command past its expiry to expired and
// returns the ones that actually transitioned. Commands a concurrent writer
// finished in the meantime are skipped, not errors.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) ([]domain.Command, error) {
	due, err := s.Store.DueForExpiry(ctx, now)
	if err != nil {
		return nil, err
	}
	var expired []domain.Command
	for _, cmd := range due {
		ok, err := s.Store.TransitionCommand(ctx, store.CommandTransition{
			ID:   cmd.ID,
			From: cmd.Status,
			To:   domain.CommandExpired,
			Now:  now,
		})
		if err != nil {
			return expired, err
		}
		if ok {
			observability.CommandTransitions.WithLabelValues(string(domain.CommandExpired)).Inc()
			cmd.Status = domain.CommandExpired
			expired = append(expired, cmd)
		}
	}
	return expired, nil
}

// StuckAcked returns commands acked longer than AckTimeout ago and still
// not completed.
func (s *Service) StuckAcked(ctx context.Context, now time.Time) ([]domain.Command, error) {
	return s.Store.AckedBefore(ctx, now.Add(-AckTimeout))
}

// PendingOlderThan exposes the redrive population for the sweep.
func (s *Service) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Command, error) {
	return s.Store.PendingOlderThan(ctx, cutoff)
}
