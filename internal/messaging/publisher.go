package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

var ErrNotConfigured = errors.New("amqp url or queue name not configured")

// SummaryMessage is published once per finalized call.
type SummaryMessage struct {
	CallID       string                    `json:"call_id"`
	SessionID    string                    `json:"session_id"`
	RoomName     string                    `json:"room_name"`
	EndReason    string                    `json:"end_reason"`
	Summary      *callmetrics.Summary      `json:"session_info"`
	Interactions []callmetrics.Interaction `json:"interactions"`
	PublishedAt  time.Time                 `json:"published_at"`
}

// Publisher delivers call summaries to downstream consumers.
type Publisher interface {
	PublishSummary(ctx context.Context, msg SummaryMessage) error
	Close() error
}

// NopPublisher drops every message. Used when AMQP_URL is empty.
type NopPublisher struct{}

func (NopPublisher) PublishSummary(context.Context, SummaryMessage) error { return nil }
func (NopPublisher) Close() error                                         { return nil }

type AMQPConfig struct {
	URL            string
	QueueName      string
	ConnectTimeout time.Duration
}

// AMQPPublisher publishes persistent JSON messages to a durable queue. The
// connection is opened lazily and re-opened after the broker drops it.
type AMQPPublisher struct {
	logger logrus.FieldLogger
	config AMQPConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  chan *amqp.Error
}

func NewAMQPPublisher(logger logrus.FieldLogger, config AMQPConfig) (*AMQPPublisher, error) {
	if config.URL == "" || config.QueueName == "" {
		return nil, ErrNotConfigured
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	return &AMQPPublisher{
		logger: logger.WithField("component", "amqp"),
		config: config,
	}, nil
}

// Connect dials the broker and declares the queue if not connected yet.
func (p *AMQPPublisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *AMQPPublisher) connectLocked() error {
	if p.channel != nil {
		select {
		case err := <-p.closed:
			p.logger.WithError(err).Warn("AMQP connection lost, reconnecting")
			p.resetLocked()
		default:
			return nil
		}
	}

	conn, err := amqp.DialConfig(p.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(p.config.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("connect to AMQP server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open AMQP channel: %w", err)
	}
	queue, err := ch.QueueDeclare(
		p.config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare AMQP queue %s: %w", p.config.QueueName, err)
	}

	p.conn = conn
	p.channel = ch
	p.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.logger.WithFields(logrus.Fields{
		"queue":     queue.Name,
		"messages":  queue.Messages,
		"consumers": queue.Consumers,
	}).Info("connected to AMQP server")
	return nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.channel = nil
	p.conn = nil
	p.closed = nil
}

func (p *AMQPPublisher) PublishSummary(ctx context.Context, msg SummaryMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return err
	}
	err = p.channel.Publish(
		"",                 // default exchange
		p.config.QueueName, // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.SessionID,
			Timestamp:    msg.PublishedAt,
			Body:         body,
		},
	)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish summary: %w", err)
	}
	p.logger.WithFields(logrus.Fields{
		"call_id":    msg.CallID,
		"session_id": msg.SessionID,
	}).Info("published call summary")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// NewPublisher returns an AMQP publisher when url is set, else a NopPublisher.
func NewPublisher(logger logrus.FieldLogger, url, queue string) (Publisher, error) {
	if url == "" {
		return NopPublisher{}, nil
	}
	return NewAMQPPublisher(logger, AMQPConfig{URL: url, QueueName: queue})
}
