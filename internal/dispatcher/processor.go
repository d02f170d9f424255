// Package dispatcher consumes dispatch jobs and pushes command envelopes to
// the moderator's group channel, gated by the moderator's live lease.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	amqpchannel "patientq/internal/channel/amqp"
	"patientq/internal/command"
	"patientq/internal/domain"
	"patientq/internal/lease"
	"patientq/internal/observability"
	sqsqueue "patientq/internal/queue/sqs"
)

type ChannelPublisher interface {
	PublishCommand(env amqpchannel.CommandEnvelope) error
}

type Processor struct {
	Commands *command.Service
	Leases   *lease.Manager
	Channel  ChannelPublisher
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
	Now      func() time.Time
}

// Process pushes one command to its moderator group. A returned error keeps
// the job on the queue for redrive; nil consumes it.
func (p *Processor) Process(ctx context.Context, job sqsqueue.DispatchJob) error {
	now := p.Now()

	cmd, found, err := p.Commands.Get(ctx, job.CommandID)
	if err != nil {
		return err
	}
	if !found {
		return nil // deleted upstream, nothing to push
	}

	// Idempotent consumer: anything past pending was already handled.
	if cmd.Status != domain.CommandPending {
		return nil
	}
	// Expired work is never dispatched; the sweep will mark it.
	if cmd.Expired(now) {
		return nil
	}

	// No live lease means no device to receive the push. Transient: the
	// command stays pending and the queue redrives the job.
	if _, active, err := p.Leases.Active(ctx, cmd.ModeratorID); err != nil {
		return err
	} else if !active {
		observability.ChannelPublish.WithLabelValues("no_lease").Inc()
		return &domain.TransientDispatchError{Err: errors.New("no active lease for moderator " + cmd.ModeratorID)}
	}

	if p.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			observability.ChannelPublish.WithLabelValues("rate_limited_local").Inc()
			return &domain.TransientDispatchError{Err: err}
		}
	}

	start := time.Now()
	err = p.publishWithBreaker(cmd)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.ChannelPublish.WithLabelValues("cb_open").Inc()
		// Channel protection, not a command failure; leave it pending.
		return &domain.TransientDispatchError{Err: err}
	}
	if err != nil {
		observability.ChannelPublish.WithLabelValues("error").Inc()
		return &domain.TransientDispatchError{Err: err}
	}
	observability.ChannelPublish.WithLabelValues("ok").Inc()
	observability.ChannelLatency.Observe(time.Since(start).Seconds())

	err = p.Commands.MarkSent(ctx, cmd.ID, p.Now())
	var te *domain.TransitionError
	if errors.As(err, &te) {
		// A concurrent writer (poll + ack before our CAS landed) moved the
		// command on; the push still reached the device.
		return nil
	}
	return err
}

func (p *Processor) publishWithBreaker(cmd domain.Command) error {
	env := amqpchannel.CommandEnvelope{
		CommandID:   cmd.ID,
		ModeratorID: cmd.ModeratorID,
		MessageID:   cmd.MessageID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		ExpiresAt:   cmd.ExpiresAt,
	}
	if p.Breaker == nil {
		return p.Channel.PublishCommand(env)
	}
	_, err := p.Breaker.Execute(func() (any, error) {
		return nil, p.Channel.PublishCommand(env)
	})
	return err
}
