// Package kafka wraps franz-go client construction for nhrpd's one Kafka
// collaborator: publishing peer lifecycle events. There is no consumer side
// — nhrpd originates events, it does not ingest them.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync/atomic"

	"github.com/opennhrp/nhrpd/internal/events"
	"github.com/opennhrp/nhrpd/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Publisher produces peer lifecycle events to a Kafka topic. It is a
// subscriber of events.Bus, running on its own goroutine — Publish never
// runs on, nor blocks, the event loop.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
	alive  atomic.Bool
}

func NewPublisher(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	p := &Publisher{client: client, topic: topic, logger: logger}
	p.alive.Store(true)
	return p, nil
}

// Run consumes LifecycleEvents from ch until it's closed, publishing each
// asynchronously. Intended to be driven in its own goroutine by main.
func (p *Publisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.Publish(ctx, ev)
		}
	}
}

// Publish JSON-encodes ev and produces it asynchronously. The completion
// callback only logs and counts — it never blocks or retries, matching the
// event loop's requirement to never wait on Kafka.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode lifecycle event", zap.Error(err))
		metrics.EventPublishErrorsTotal.WithLabelValues("encode").Inc()
		return
	}

	rec := &kgo.Record{Topic: p.topic, Value: payload}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("event publish failed", zap.Error(err))
			metrics.EventPublishErrorsTotal.WithLabelValues("produce").Inc()
			p.alive.Store(false)
			return
		}
		p.alive.Store(true)
		metrics.EventPublishedTotal.WithLabelValues(ev.Kind.String()).Inc()
	})
}

// IsAlive reports whether the most recent produce attempt succeeded,
// satisfying internal/http's ProducerStatus collaborator interface.
func (p *Publisher) IsAlive() bool {
	return p.alive.Load()
}

func (p *Publisher) Close() {
	p.client.Close()
}
