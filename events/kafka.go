package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// KafkaOptions tunes the local queue and the retry policy.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultKafkaOptions returns the options used by the server.
func DefaultKafkaOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// KafkaPublisher queues events locally and sends them from worker goroutines,
// keyed by document ID. A send is retried with capped exponential backoff and
// the event is dropped once MaxRetry is exhausted; the feed is best effort and
// never blocks an edit for longer than the caller's context allows.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	opt      KafkaOptions

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewKafkaPublisher starts the workers. The publisher owns producer and
// closes it on Close.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opt KafkaOptions) *KafkaPublisher {
	if opt.Workers < 1 {
		opt.Workers = 1
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		queue:    make(chan Event, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// DialKafka connects a SyncProducer to brokers.
func DialKafka(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// Required by SyncProducer.
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return producer, nil
}

// Publish enqueues evt. When the queue is full it waits until ctx is done.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, waits for the queued ones to be sent or
// dropped, and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.producer.Close()
}

// Sent returns the number of events delivered to the broker.
func (p *KafkaPublisher) Sent() int64 { return p.sent.Load() }

// Dropped returns the number of events given up on.
func (p *KafkaPublisher) Dropped() int64 { return p.dropped.Load() }

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.wg.Done()
	for evt := range p.queue {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= p.opt.MaxRetry; attempt++ {
		err := p.sendOnce(evt)
		if err == nil {
			p.sent.Add(1)
			return
		}
		if attempt == p.opt.MaxRetry {
			p.dropped.Add(1)
			log.Printf("events: kafka send failed, dropping doc=%s rev=%d worker=%d: %v",
				evt.DocID, evt.Revision, workerID, err)
			return
		}

		backoff := p.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > p.opt.MaxBackoff {
			backoff = p.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}
