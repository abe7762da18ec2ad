package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer queues messages in memory and writes them from one goroutine, so
// Publish never blocks a request on the broker.
type Producer struct {
	w       *kafka.Writer
	log     *zap.Logger
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		log:     log.With(zap.String("topic", topic)),
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the writer loop until Close drains the inbox.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			p.write(ctx, m)
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn("kafka writer close", zap.Error(err))
		}
	}()
}

func (p *Producer) write(ctx context.Context, m kafka.Message) {
	// Once the parent context is gone we are draining on shutdown.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(wctx, m); err != nil {
		p.log.Error("kafka publish failed", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

// Publish enqueues a message. When the inbox is full or the producer is
// closed the message is dropped and logged; events are advisory and the
// database is the record.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("kafka producer closed, event dropped", zap.ByteString("key", key))
		return
	}
	select {
	case p.inbox <- m:
	default:
		p.log.Warn("kafka inbox full, event dropped", zap.ByteString("key", key))
	}
}

// Close stops accepting messages; the loop flushes what is queued and exits.
// Later Publish calls are dropped.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

// WaitClosed blocks until the queued messages are flushed.
func (p *Producer) WaitClosed() { <-p.closeCh }
