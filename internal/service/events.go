package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// StreamBets is the durable stream every bet and trade is appended to.
const StreamBets = "stream:bets"

const defaultPublishTimeout = 5 * time.Second

// Broker exports events to an external message broker.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Publisher sends committed events to the signal bus and, when configured,
// to the external broker. Publishing never blocks the caller.
type Publisher struct {
	bus     domain.SignalBus
	broker  Broker
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewPublisher creates a Publisher. bus and broker may be nil.
func NewPublisher(bus domain.SignalBus, broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:     bus,
		broker:  broker,
		timeout: defaultPublishTimeout,
		logger:  logger.With(slog.String("component", "publisher")),
	}
}

// Publish fans ev out to channels in the background. stream, when non-empty,
// also receives a durable copy.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event, stream string, channels ...string) {
	if p == nil || (p.bus == nil && p.broker == nil) {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.WarnContext(ctx, "publisher: encode event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		if p.bus != nil {
			for _, ch := range channels {
				if err := p.bus.Publish(ctx, ch, payload); err != nil {
					p.warn(ctx, "publish", ch, err)
				}
			}
			if stream != "" {
				if err := p.bus.StreamAppend(ctx, stream, payload); err != nil {
					p.warn(ctx, "stream append", stream, err)
				}
			}
		}
		if p.broker != nil {
			if err := p.broker.Publish(ctx, ev.Type, payload); err != nil {
				p.warn(ctx, "broker publish", ev.Type, err)
			}
		}
	}()
}

// Wait blocks until in-flight publishes finish.
func (p *Publisher) Wait() {
	if p != nil {
		p.wg.Wait()
	}
}

func (p *Publisher) warn(ctx context.Context, op, target string, err error) {
	p.logger.WarnContext(ctx, "publisher: "+op+" failed",
		slog.String("target", target),
		slog.String("error", err.Error()),
	)
}
