// Package sweep is the periodic coordinator: it plans dispatches, expires
// overdue commands, recovers stuck acks, reaps silent leases, and archives
// expired trash. One coordinator runs per deployment.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"patientq/internal/command"
	"patientq/internal/domain"
	"patientq/internal/observability"
	"patientq/internal/store"
	sqsqueue "patientq/internal/queue/sqs"
)

// DefaultInterval paces the sweep loop.
const DefaultInterval = 10 * time.Second

// LeaseTTL is how long a lease may go without a heartbeat before the sweep
// deactivates it.
const LeaseTTL = 90 * time.Second

// RedriveAfter is how long a command may sit pending before the sweep assumes
// its dispatch job was lost and enqueues a fresh one.
const RedriveAfter = 2 * time.Minute

type Planner interface {
	Run(ctx context.Context, now time.Time) (int, error)
}

type MessageStore interface {
	TransitionMessage(ctx context.Context, in store.MessageTransition) (bool, error)
	ArchiveExpiredTrash(ctx context.Context, now time.Time) (int64, error)
}

type LeaseReaper interface {
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob) error
}

type Sweeper struct {
	Planner  Planner
	Commands *command.Service
	Messages MessageStore
	Leases   LeaseReaper
	Queue    Enqueuer
	Interval time.Duration
	LeaseTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultInterval
}

func (s *Sweeper) leaseTTL() time.Duration {
	if s.LeaseTTL > 0 {
		return s.LeaseTTL
	}
	return LeaseTTL
}

// Run loops until the context is cancelled. Each tick runs every task; a
// failing task is logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass of every sweep task.
func (s *Sweeper) Tick(ctx context.Context) {
	now := s.Now()
	s.task(ctx, "plan", func() error {
		n, err := s.Planner.Run(ctx, now)
		if n > 0 {
			s.Logger.Info("planned dispatches", "count", n)
		}
		return err
	})
	s.task(ctx, "expire", func() error { return s.expireCommands(ctx, now) })
	s.task(ctx, "ack_timeout", func() error { return s.recoverStuckAcked(ctx, now) })
	s.task(ctx, "stale_leases", func() error {
		n, err := s.Leases.ReapStale(ctx, now.Add(-s.leaseTTL()))
		if n > 0 {
			s.Logger.Info("deactivated stale leases", "count", n)
		}
		return err
	})
	s.task(ctx, "archive_trash", func() error {
		n, err := s.Messages.ArchiveExpiredTrash(ctx, now)
		if n > 0 {
			s.Logger.Info("archived expired trash", "count", n)
		}
		return err
	})
	s.task(ctx, "redrive", func() error { return s.redrivePending(ctx, now) })
}

func (s *Sweeper) task(ctx context.Context, name string, fn func() error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(); err != nil {
		observability.SweepRuns.WithLabelValues(name, "error").Inc()
		s.Logger.Error("sweep task failed", "task", name, "error", err)
		return
	}
	observability.SweepRuns.WithLabelValues(name, "ok").Inc()
}

// expireCommands moves overdue commands to expired and fails the messages
// they were sending.
func (s *Sweeper) expireCommands(ctx context.Context, now time.Time) error {
	expired, err := s.Commands.ExpireDue(ctx, now)
	for _, cmd := range expired {
		s.Logger.Warn("command expired", "commandId", cmd.ID, "moderatorId", cmd.ModeratorID)
		s.failMessage(ctx, cmd.MessageID, now)
	}
	return err
}

// recoverStuckAcked fails commands whose device acked but never reported an
// outcome. If retry budget remains a fresh command is created and enqueued;
// otherwise the message is failed.
func (s *Sweeper) recoverStuckAcked(ctx context.Context, now time.Time) error {
	stuck, err := s.Commands.StuckAcked(ctx, now)
	if err != nil {
		return err
	}
	for _, cmd := range stuck {
		err := s.Commands.Fail(ctx, cmd.ID, "ack_timeout", now)
		var te *domain.TransitionError
		if errors.As(err, &te) {
			// A late completion beat us to it.
			continue
		}
		if err != nil {
			s.Logger.Error("fail stuck command", "commandId", cmd.ID, "error", err)
			continue
		}

		if command.CanRetry(cmd.RetryCount) {
			retry, err := s.Commands.RetryFrom(ctx, cmd, now)
			if err != nil {
				s.Logger.Error("retry stuck command", "commandId", cmd.ID, "error", err)
				s.failMessage(ctx, cmd.MessageID, now)
				continue
			}
			if err := s.Queue.EnqueueDispatch(ctx, sqsqueue.DispatchJob{
				CommandID:   retry.ID,
				ModeratorID: retry.ModeratorID,
				MessageID:   retry.MessageID,
			}); err != nil {
				// Redrive picks it up later.
				s.Logger.Warn("enqueue retry failed", "commandId", retry.ID, "error", err)
			}
			continue
		}
		s.failMessage(ctx, cmd.MessageID, now)
	}
	return nil
}

// redrivePending re-enqueues commands that stayed pending long enough that
// their dispatch job is presumed lost. The queue dedups on command id, so a
// slow but alive job is harmless to re-enqueue.
func (s *Sweeper) redrivePending(ctx context.Context, now time.Time) error {
	pending, err := s.Commands.PendingOlderThan(ctx, now.Add(-RedriveAfter))
	if err != nil {
		return err
	}
	for _, cmd := range pending {
		if err := s.Queue.EnqueueDispatch(ctx, sqsqueue.DispatchJob{
			CommandID:   cmd.ID,
			ModeratorID: cmd.ModeratorID,
			MessageID:   cmd.MessageID,
		}); err != nil {
			s.Logger.Warn("redrive enqueue failed", "commandId", cmd.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) failMessage(ctx context.Context, messageID string, now time.Time) {
	if messageID == "" {
		return
	}
	ok, err := s.Messages.TransitionMessage(ctx, store.MessageTransition{
		ID:   messageID,
		From: domain.MessageSending,
		To:   domain.MessageFailed,
		Now:  now,
	})
	if err != nil {
		s.Logger.Error("fail message", "messageId", messageID, "error", err)
		return
	}
	if !ok {
		// Already moved on; nothing to do.
		return
	}
	s.Logger.Warn("message failed", "messageId", messageID)
}
