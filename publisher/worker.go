package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/gradm/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string      // Sink name, also the cursor key
	Log             *PublishLog // Outbox to read from
	Sink            Sink
	Transformer     Transformer
	Filter          Filter
	TopicPrefix     string // e.g. "gradm.membership"
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int // 0 = retry until stopped
}

// Worker drains the publish log into a single sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a worker positioned at the sink's persisted cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, fmt.Errorf("worker name is required")
	case config.Log == nil:
		return nil, fmt.Errorf("publish log is required")
	case config.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case config.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case config.Filter == nil:
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	cursor, err := config.Log.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return &Worker{config: config, cursor: cursor}, nil
}

// Cursor returns the last sequence this worker finished with
func (w *Worker) Cursor() uint64 {
	return atomic.LoadUint64(&w.cursor)
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("sink", w.config.Name).Uint64("cursor", w.Cursor()).Msg("Starting event publisher worker")
	go w.pollLoop()
}

// Stop stops the worker and waits for its goroutine to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Event publisher worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.Cursor(), w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("sink", w.config.Name).Msg("Failed to read publish log")
			w.sleep(w.config.PollInterval)
			continue
		}
		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, ev := range events {
			if err := w.processEvent(ev); err != nil {
				return
			}
		}
	}
}

// processEvent delivers one event at least once, then advances the cursor.
// Filtered events and events that exhausted their retries advance it too.
func (w *Worker) processEvent(ev Event) error {
	if w.config.Filter.Match(ev.Payload.Cluster, ev.Payload.Type) {
		result := "success"
		data, err := w.config.Transformer.Transform(ev)
		if err == nil {
			err = w.publishWithRetry(w.buildTopic(ev.Payload.Cluster), ev.Payload.Cluster, data)
		}
		if errors.Is(err, errWorkerStopped) {
			return err
		}
		if err != nil {
			result = "failed"
			log.Error().Err(err).Str("sink", w.config.Name).Uint64("seq", ev.SeqNum).Msg("Dropping event")
		}
		telemetry.EventsPublishedTotal.With(w.config.Name, result).Inc()
	}

	atomic.StoreUint64(&w.cursor, ev.SeqNum)
	if err := w.config.Log.AdvanceCursor(w.config.Name, ev.SeqNum); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Uint64("seq", ev.SeqNum).
			Msg("Failed to persist cursor, event may be redelivered")
	}
	return nil
}

// buildTopic derives the topic for a cluster's events
func (w *Worker) buildTopic(cluster string) string {
	if w.config.TopicPrefix == "" {
		return cluster
	}
	return w.config.TopicPrefix + "." + cluster
}

func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	for attempt := 1; ; attempt++ {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}
		if w.config.MaxRetries > 0 && attempt >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d attempts for topic %s: %w", attempt, topic, err)
		}

		log.Warn().Err(err).Str("sink", w.config.Name).Str("topic", topic).
			Int("attempt", attempt).Dur("retry_delay", delay).Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}
		delay = min(time.Duration(float64(delay)*w.config.RetryMultiplier), w.config.RetryMax)
	}
}

// sleep returns false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
