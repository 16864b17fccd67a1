// Package events publishes applied-update events to Kafka for downstream
// consumers (indexing, activity feeds, audit). Strictly best-effort: a
// bounded local queue absorbs short broker stalls, workers retry with capped
// backoff, and when the queue is full events are dropped rather than ever
// blocking the mutation path.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// UpdateEvent describes one update applied to a document on this replica.
type UpdateEvent struct {
	DocID  string    `json:"docId"`
	ConnID string    `json:"connId"`
	Bytes  int       `json:"bytes"`
	At     time.Time `json:"at"`
}

type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.Mutex
	closed bool
	queue  chan UpdateEvent
	wg     sync.WaitGroup
	sem    *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt DispatcherOptions) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 3
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan UpdateEvent, opt.QueueSize),
		sem:         NewSemaphore(opt.Concurrency),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
	return d
}

// Enqueue offers an event to the queue without blocking; a full or closed
// queue drops the event.
func (d *Dispatcher) Enqueue(evt UpdateEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		log.WithField("doc", evt.DocID).Debug("event queue full, dropping update event")
		return false
	}
}

// Close stops accepting events and blocks until the workers have drained
// what was already queued. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt UpdateEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		_ = d.sem.Acquire(context.Background())
		err := d.sendOnce(evt)
		_ = d.sem.Release()

		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			log.WithFields(log.Fields{
				"err":    err,
				"doc":    evt.DocID,
				"worker": workerID,
			}).Warn("kafka send failed, dropping update event")
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt UpdateEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
