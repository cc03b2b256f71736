package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/gradm/cfg"
	"github.com/maxpert/gradm/notify"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the event publisher registry
type RegistryConfig struct {
	DataDir     string // Parent of the publish_log directory
	NodeID      uint64
	Hub         *notify.Hub
	SinkConfigs []cfg.SinkConfiguration
}

// Registry subscribes to the notification hub, records every event in the
// publish log and runs one worker per configured sink.
type Registry struct {
	log     *PublishLog
	hub     *notify.Hub
	nodeID  uint64
	workers []*Worker

	cancel  func()
	pumpWg  sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the publish log and builds a worker per sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("notification hub is required")
	}

	pubLog, err := NewPublishLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	r := &Registry{
		log:     pubLog,
		hub:     config.Hub,
		nodeID:  config.NodeID,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("sinks", len(r.workers)).Msg("Event publisher registry initialized")
	return r, nil
}

// AddSink creates a worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	format := config.Format
	if format == "" {
		format = "json"
	}
	trans, err := createTransformer(format)
	if err != nil {
		return err
	}

	filter, err := NewGlobFilter(config.FilterClusters)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Log:         r.log,
		Sink:        snk,
		Transformer: trans,
		Filter:      filter,
		TopicPrefix: config.TopicPrefix,
		BatchSize:   config.BatchSize,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().Str("sink", config.Name).Str("type", config.Type).Str("format", format).Msg("Added event sink")
	return nil
}

// Start subscribes to the hub and starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	events, cancel := r.hub.Subscribe(notify.Filter{})
	r.cancel = cancel
	r.pumpWg.Add(1)
	go r.pump(events)

	for _, w := range r.workers {
		w.Start()
	}
	r.running.Store(true)
	return nil
}

// pump moves hub events into the publish log until the subscription closes
func (r *Registry) pump(events <-chan notify.Event) {
	defer r.pumpWg.Done()

	for ev := range events {
		batch := []Event{{NodeID: r.nodeID, Payload: ev}}
	drain:
		for len(batch) < DefaultBatchSize {
			select {
			case next, ok := <-events:
				if !ok {
					break drain
				}
				batch = append(batch, Event{NodeID: r.nodeID, Payload: next})
			default:
				break drain
			}
		}

		if _, err := r.log.Append(batch...); err != nil {
			log.Error().Err(err).Int("events", len(batch)).Msg("Failed to record membership events")
		}
	}
}

// Stop stops the pump and all workers, then closes the publish log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	r.cancel()
	r.pumpWg.Wait()

	for _, w := range r.workers {
		w.Stop()
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
		}
	}
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}
	log.Info().Msg("Event publisher registry stopped")
}

// Append records events directly, bypassing the hub
func (r *Registry) Append(events ...notify.Event) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	batch := make([]Event, len(events))
	for i, ev := range events {
		batch[i] = Event{NodeID: r.nodeID, Payload: ev}
	}
	_, err := r.log.Append(batch...)
	return err
}

// Cursors reports each sink's position in the publish log
func (r *Registry) Cursors() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]uint64, len(r.workers))
	for _, w := range r.workers {
		out[w.config.Name] = w.Cursor()
	}
	return out
}

// LastSeq returns the newest sequence in the publish log
func (r *Registry) LastSeq() uint64 {
	return r.log.LastSeq()
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}

// SinkFactory creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}
