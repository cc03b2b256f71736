package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ClusterStatsProvider reports registered cluster counts keyed by lifecycle state
type ClusterStatsProvider interface {
	ClusterStates() (map[string]int, error)
}

// MetricsCollector periodically collects registry stats and updates telemetry gauges
type MetricsCollector struct {
	provider ClusterStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	seen map[string]bool
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider ClusterStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]bool),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	states, err := mc.provider.ClusterStates()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to collect cluster stats")
		return
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// States that disappeared are reset rather than left stale
	for state := range mc.seen {
		if _, ok := states[state]; !ok {
			ClustersByState.With(state).Set(0)
		}
	}
	for state, n := range states {
		ClustersByState.With(state).Set(float64(n))
		mc.seen[state] = true
	}
}
