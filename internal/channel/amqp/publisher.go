// Package amqpchannel pushes command envelopes to per-moderator groups over
// RabbitMQ. Delivery above this layer is the dispatcher's problem; a publish
// failure here is transient, not terminal.
package amqpchannel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const defaultExchange = "patientq.commands"

// CommandEnvelope is the wire shape consumed by extension devices.
type CommandEnvelope struct {
	CommandID   string         `json:"commandId"`
	ModeratorID string         `json:"moderatorId"`
	MessageID   string         `json:"messageId,omitempty"`
	CommandType string         `json:"commandType"`
	Payload     map[string]any `json:"payload"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func Dial(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,  // durable
		false, // delete when unused
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// PublishCommand routes the envelope to the moderator's group. Every device
// bound to "moderator.<id>" receives it.
func (p *Publisher) PublishCommand(env CommandEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(
		p.exchange,
		"moderator."+env.ModeratorID,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.CommandID,
			Body:         body,
		},
	)
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
