package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/workspace-sync/internal/types"
)

// ErrSinkClosed is returned by Enqueue after Close.
var ErrSinkClosed = errors.New("kafka sink closed")

var exportedBatches = func() *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changefeed",
		Name:      "batches_total",
		Help:      "Accepted change batches exported to Kafka by outcome.",
	}, []string{"outcome"})
	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return counter
}()

// KafkaSinkOptions tunes the export queue. Zero values fall back to defaults.
type KafkaSinkOptions struct {
	QueueSize   int
	Workers     int
	MaxInFlight int64
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// KafkaSink exports accepted change batches to a Kafka topic for downstream
// consumers. Enqueue only buffers; workers send with bounded retries and drop
// a batch once retries are exhausted.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger

	queue    chan types.ChangeBroadcast
	inFlight *semaphore.Weighted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// mu guards queue against being closed while Enqueue sends on it.
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewKafkaSink constructs a sink and starts its workers.
func NewKafkaSink(producer sarama.SyncProducer, topic string, opts KafkaSinkOptions, logger zerolog.Logger) *KafkaSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = int64(opts.Workers)
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}

	s := &KafkaSink{
		producer:    producer,
		topic:       topic,
		logger:      logger.With().Str("component", "kafka_sink").Str("topic", topic).Logger(),
		queue:       make(chan types.ChangeBroadcast, opts.QueueSize),
		inFlight:    semaphore.NewWeighted(opts.MaxInFlight),
		workers:     opts.Workers,
		maxRetry:    opts.MaxRetry,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		closed:      make(chan struct{}),
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	return s
}

// Enqueue buffers a batch, waiting for room until ctx ends.
func (s *KafkaSink) Enqueue(ctx context.Context, event types.ChangeBroadcast) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- event:
		return nil
	case <-s.closed:
		return ErrSinkClosed
	case <-ctx.Done():
		exportedBatches.WithLabelValues("dropped").Inc()
		return ctx.Err()
	}
}

// Close stops accepting batches, drains the queue and waits for workers.
func (s *KafkaSink) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.queue)
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *KafkaSink) workerLoop(worker int) {
	defer s.wg.Done()
	for event := range s.queue {
		s.sendWithRetry(worker, event)
	}
}

func (s *KafkaSink) sendWithRetry(worker int, event types.ChangeBroadcast) {
	for attempt := 0; attempt <= s.maxRetry; attempt++ {
		_ = s.inFlight.Acquire(context.Background(), 1)
		err := s.sendOnce(event)
		s.inFlight.Release(1)

		if err == nil {
			exportedBatches.WithLabelValues("sent").Inc()
			return
		}
		if attempt == s.maxRetry {
			exportedBatches.WithLabelValues("dropped").Inc()
			s.logger.Error().Err(err).
				Int("worker", worker).
				Str("workspace_id", event.WorkspaceID).
				Str("scope_id", event.ScopeID).
				Int64("max_epoch", event.MaxEpoch).
				Msg("kafka send failed; dropping batch")
			return
		}

		backoff := s.baseBackoff * time.Duration(1<<attempt)
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (s *KafkaSink) sendOnce(event types.ChangeBroadcast) error {
	if s.producer == nil || s.topic == "" {
		return nil
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	scope := types.Scope{Type: event.ScopeType, ID: event.ScopeID}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.WorkspaceID + "/" + scope.Key()),
		Value: sarama.ByteEncoder(value),
	})
	return err
}
