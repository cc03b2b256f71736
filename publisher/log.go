package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/gradm/encoding"
	"github.com/rs/zerolog/log"
)

const (
	prefixOutbox = "/outbox/"  // /outbox/{seq:016x} -> sealed Event
	prefixCursor = "/cursor/"  // /cursor/{sinkName} -> uint64
	keyNextSeq   = "/next_seq" // last assigned sequence
)

const (
	defaultReadLimit = 100
	compactEvery     = 64 // Compact consumed entries every N cursor advances
)

// ErrLogClosed is returned by operations on a closed PublishLog
var ErrLogClosed = errors.New("publish log is closed")

// PublishLog is a Pebble-backed outbox of membership events with one cursor per sink.
// Events survive a restart until every sink has consumed them.
type PublishLog struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cursorsMu sync.RWMutex
	cursors   map[string]uint64

	advances atomic.Uint64
	closed   atomic.Bool
}

// NewPublishLog opens (or creates) the outbox under dataDir/publish_log
func NewPublishLog(dataDir string) (*PublishLog, error) {
	path := filepath.Join(dataDir, "publish_log")
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", path, err)
	}

	pl := &PublishLog{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}
	if err := pl.load(); err != nil {
		db.Close()
		return nil, err
	}
	return pl, nil
}

func (pl *PublishLog) load() error {
	val, closer, err := pl.db.Get([]byte(keyNextSeq))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load sequence: %w", err)
	default:
		seq, decodeErr := decodeUint64(val)
		closer.Close()
		if decodeErr != nil {
			return fmt.Errorf("failed to load sequence: %w", decodeErr)
		}
		pl.lastSeq.Store(seq)
	}

	prefix := []byte(prefixCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		cursor, err := decodeUint64(iter.Value())
		if err != nil {
			return fmt.Errorf("corrupted cursor for sink %s: %w", name, err)
		}
		pl.cursors[name] = cursor
	}
	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Uint64("last_seq", pl.lastSeq.Load()).Msg("Loaded publish log")
	}
	return iter.Error()
}

// Append assigns sequence numbers to the events and writes them in one batch
func (pl *PublishLog) Append(events ...Event) ([]Event, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}
	if len(events) == 0 {
		return nil, nil
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.lastSeq.Load()
	batch := pl.db.NewBatch()
	defer batch.Close()

	out := make([]Event, len(events))
	for i, ev := range events {
		seq++
		ev.SeqNum = seq
		frame, err := encoding.Seal(&ev)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		if err := batch.Set(outboxKey(seq), frame, nil); err != nil {
			return nil, err
		}
		out[i] = ev
	}
	if err := batch.Set([]byte(keyNextSeq), encodeUint64(seq), nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}

	pl.lastSeq.Store(seq)
	return out, nil
}

// LastSeq returns the highest assigned sequence number
func (pl *PublishLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// ReadFrom returns up to limit events with sequence numbers greater than cursor
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if cursor == math.MaxUint64 {
		return nil, nil
	}

	start := outboxKey(cursor + 1)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: upperBound([]byte(prefixOutbox)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		var ev Event
		if err := encoding.Open(iter.Value(), &ev); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted outbox entry")
			continue
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

// Cursor returns the last sequence consumed by sink, zero for a new sink
func (pl *PublishLog) Cursor(sink string) (uint64, error) {
	if pl.closed.Load() {
		return 0, ErrLogClosed
	}
	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()
	return pl.cursors[sink], nil
}

// AdvanceCursor records that sink has consumed everything up to seq
func (pl *PublishLog) AdvanceCursor(sink string, seq uint64) error {
	if pl.closed.Load() {
		return ErrLogClosed
	}
	if err := pl.db.Set([]byte(prefixCursor+sink), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist cursor for %s: %w", sink, err)
	}

	pl.cursorsMu.Lock()
	pl.cursors[sink] = seq
	pl.cursorsMu.Unlock()

	if pl.advances.Add(1)%compactEvery == 0 {
		pl.compact()
	}
	return nil
}

// compact deletes entries every sink has consumed
func (pl *PublishLog) compact() {
	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	low := uint64(math.MaxUint64)
	for _, c := range pl.cursors {
		low = min(low, c)
	}
	pl.cursorsMu.RUnlock()

	if low == 0 {
		return
	}
	if err := pl.db.DeleteRange([]byte(prefixOutbox), outboxKey(low+1), pebble.NoSync); err != nil {
		log.Warn().Err(err).Uint64("low", low).Msg("Failed to compact publish log")
		return
	}
	log.Debug().Uint64("low", low).Msg("Compacted publish log")
}

// Close closes the underlying Pebble database
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	return pl.db.Close()
}

func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixOutbox, seq))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
