// Package plan turns eligible queued messages into pending commands and hands
// them to the dispatch queue.
package plan

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"patientq/internal/command"
	"patientq/internal/conditions"
	"patientq/internal/domain"
	"patientq/internal/eligibility"
	"patientq/internal/observability"
	"patientq/internal/store"
	sqsqueue "patientq/internal/queue/sqs"
)

// DispatchWindow is how long a planned command stays valid before the sweep
// expires it.
const DispatchWindow = 5 * time.Minute

type MessageStore interface {
	DispatchCandidates(ctx context.Context) ([]domain.Message, error)
	Sessions(ctx context.Context) (map[string]domain.MessageSession, error)
	ModeratorPauses(ctx context.Context) (map[string]bool, error)
	TransitionMessage(ctx context.Context, in store.MessageTransition) (bool, error)
	ConditionsForQueue(ctx context.Context, queueID string) ([]domain.Condition, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, bool, error)
	PatientVars(ctx context.Context, patientID string) (map[string]string, bool, error)
}

type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob) error
}

type Planner struct {
	Messages MessageStore
	Commands *command.Service
	Queue    Enqueuer
	Window   time.Duration
	Logger   *slog.Logger
}

func (p *Planner) window() time.Duration {
	if p.Window > 0 {
		return p.Window
	}
	return DispatchWindow
}

// Run selects every currently eligible message, resolves its content, moves
// it to sending, and enqueues a dispatch job for the new command. Per-message
// failures are logged and skipped so one bad row never stalls the rest.
func (p *Planner) Run(ctx context.Context, now time.Time) (int, error) {
	candidates, err := p.Messages.DispatchCandidates(ctx)
	if err != nil {
		return 0, err
	}
	sessions, err := p.Messages.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	pauses, err := p.Messages.ModeratorPauses(ctx)
	if err != nil {
		return 0, err
	}

	eligible := eligibility.SelectEligible(candidates, sessions, pauses)
	observability.EligibleSelected.Add(float64(len(eligible)))

	planned := 0
	for _, m := range eligible {
		ok, err := p.planOne(ctx, m, now)
		if err != nil {
			p.Logger.Warn("plan message failed", "messageId", m.ID, "error", err)
			continue
		}
		if ok {
			planned++
		}
	}
	return planned, nil
}

func (p *Planner) planOne(ctx context.Context, m domain.Message, now time.Time) (bool, error) {
	// A message with no assigned moderator has no device group to push to.
	if m.ModeratorID == "" {
		return false, nil
	}

	conds, err := p.Messages.ConditionsForQueue(ctx, m.QueueID)
	if err != nil {
		return false, err
	}
	cond, matched := conditions.SelectCondition(conds, m.Position)
	if !matched {
		// No condition and no default. The message waits for the catalog to
		// grow one.
		return false, nil
	}

	tpl, found, err := p.Messages.GetTemplate(ctx, cond.TemplateID)
	if err != nil {
		return false, err
	}
	if !found {
		p.Logger.Warn("condition points at missing template",
			"conditionId", cond.ID, "templateId", cond.TemplateID)
		return false, nil
	}

	vars, found, err := p.Messages.PatientVars(ctx, m.PatientID)
	if err != nil {
		return false, err
	}
	if !found {
		p.Logger.Warn("message references unknown patient",
			"messageId", m.ID, "patientId", m.PatientID)
		return false, nil
	}
	vars["CQP"] = strconv.Itoa(m.Position)
	content := conditions.Resolve(tpl.Content, vars)

	moved, err := p.Messages.TransitionMessage(ctx, store.MessageTransition{
		ID:      m.ID,
		From:    domain.MessageQueued,
		To:      domain.MessageSending,
		Content: content,
		Now:     now,
	})
	if err != nil {
		return false, err
	}
	if !moved {
		// Another planner run claimed it first.
		return false, nil
	}

	cmd, err := p.Commands.Create(ctx, command.CreateParams{
		ModeratorID: m.ModeratorID,
		MessageID:   m.ID,
		CommandType: "send_message",
		Payload: map[string]any{
			"messageId": m.ID,
			"patientId": m.PatientID,
			"phone":     vars["PHONE"],
			"content":   content,
		},
		ExpiresAt: now.Add(p.window()),
	}, now)
	if err != nil {
		// The message is already in sending with no command behind it; fail
		// it so the moderator sees the stall instead of a silent hang.
		if _, ferr := p.Messages.TransitionMessage(ctx, store.MessageTransition{
			ID:   m.ID,
			From: domain.MessageSending,
			To:   domain.MessageFailed,
			Now:  now,
		}); ferr != nil {
			p.Logger.Error("fail message after command create error",
				"messageId", m.ID, "error", ferr)
		}
		return false, err
	}

	err = p.Queue.EnqueueDispatch(ctx, sqsqueue.DispatchJob{
		CommandID:   cmd.ID,
		ModeratorID: m.ModeratorID,
		MessageID:   m.ID,
	})
	if err != nil {
		// The command row survives; the sweep redrives pending commands that
		// never made it onto the queue.
		p.Logger.Warn("enqueue dispatch failed, sweep will redrive",
			"commandId", cmd.ID, "error", err)
		return true, nil
	}
	observability.Enqueues.WithLabelValues("dispatch").Inc()
	return true, nil
}
