package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/pkg/models"
)

// Event records one observable settlement transition: a committed trade or a
// side reaching a terminal state.
type Event struct {
	TransactionID uuid.UUID                  `json:"transactionId"`
	ProductID     uuid.UUID                  `json:"productId"`
	Template      models.TransactionTemplate `json:"template"`
	Side          models.Direction           `json:"side,omitempty"`
	State         models.TaskState           `json:"state,omitempty"`
	Error         string                     `json:"error,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// Broker fans settlement events out to in-process subscribers (the
// websocket trade feed). Slow subscribers drop events rather than block
// settlement.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and a cancel func.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// KafkaPublisher mirrors settlement events onto a kafka topic for external
// consumers. Publish failures are logged, never propagated: the event stream
// is observability, not the source of truth.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

// Publish writes one event keyed by transaction id.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode settlement event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.TransactionID.String()),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish settlement event",
			zap.String("transaction_id", event.TransactionID.String()),
			zap.Error(err))
	}
}

// Close flushes and closes the kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
