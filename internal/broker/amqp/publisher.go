// Package amqp exports committed domain events to a RabbitMQ topic exchange
// so that downstream consumers (analytics, chat bots) can follow the markets
// without polling.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Config describes the broker connection.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string // prefix; the event type is appended after a dot
	Heartbeat  time.Duration
	RetryDelay time.Duration
}

type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialer func(cfg Config) (channel, func() error, error)

// Publisher publishes events with persistent delivery. A broken connection
// is redialled on the next publish, no more often than RetryDelay.
type Publisher struct {
	cfg    Config
	dial   dialer
	logger *slog.Logger

	mu        sync.Mutex
	ch        channel
	closeConn func() error
	lastDial  time.Time
	now       func() time.Time
}

// New dials the broker and declares the exchange.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	p := newPublisher(cfg, dialBroker, logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(cfg Config, dial dialer, logger *slog.Logger) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "playmarket.events"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "playmarket"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With(slog.String("component", "amqp")),
		now:    time.Now,
	}
}

func dialBroker(cfg Config) (channel, func() error, error) {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: hb, Locale: "en_US"})
	if err != nil {
		return nil, nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp: declare exchange %s: %w", cfg.Exchange, err)
	}
	return ch, conn.Close, nil
}

func (p *Publisher) connect() error {
	p.lastDial = p.now()
	ch, closeConn, err := p.dial(p.cfg)
	if err != nil {
		return err
	}
	p.ch, p.closeConn = ch, closeConn
	p.logger.Info("amqp: connected", slog.String("exchange", p.cfg.Exchange))
	return nil
}

var errBackoff = errors.New("amqp: broker unavailable, waiting to redial")

// Publish sends body under <routing prefix>.<eventType>.
func (p *Publisher) Publish(ctx context.Context, eventType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if p.now().Sub(p.lastDial) < p.cfg.RetryDelay {
			return errBackoff
		}
		if err := p.connect(); err != nil {
			return err
		}
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now().UTC(),
		Type:         eventType,
		Body:         body,
	}
	key := p.cfg.RoutingKey + "." + eventType
	if err := p.ch.Publish(p.cfg.Exchange, key, false, false, msg); err != nil {
		p.dropLocked()
		return fmt.Errorf("amqp: publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) dropLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked()
	return nil
}
