// Package store holds the latest good snapshot per producer and the ordered
// list of listed producers, mirrored to a Backend in the wire format.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/protocol"
)

// ErrRemoved is returned by Replace for an id dropped from the order. It
// stays set until the id is listed again.
var ErrRemoved = errors.New("producer removed from store order")

// StoreError reports a backend write that failed twice.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Options configure a Store.
type Options struct {
	// RetainRemoved keeps the last record of producers dropped from the
	// order. Otherwise they are purged on the next SetOrder.
	RetainRemoved bool
	Now           func() time.Time
}

// Store is safe for concurrent use. Writes are serialized per id; readers
// only take a read lock for a map lookup and never wait on backend I/O.
type Store struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	removed map[string]struct{}

	writersMu sync.Mutex
	writers   map[string]*sync.Mutex

	orderMu sync.Mutex
}

func New(backend Backend, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend: backend,
		opts:    opts,
		logger:  log.WithComponent("store"),
		records: make(map[string]*Record),
		order:   []string{},
		removed: make(map[string]struct{}),
		writers: make(map[string]*sync.Mutex),
	}
}

func (s *Store) writer(id string) *sync.Mutex {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	mu, ok := s.writers[id]
	if !ok {
		mu = &sync.Mutex{}
		s.writers[id] = mu
	}
	return mu
}

// Replace stores snap as the record for id. The new record becomes visible
// only after the backend accepted it; on failure the previous record stays.
// Ids removed by SetOrder are refused with ErrRemoved.
func (s *Store) Replace(ctx context.Context, id string, snap *protocol.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("replace %s: nil snapshot", id)
	}
	mu := s.writer(id)
	mu.Lock()
	defer mu.Unlock()

	// Checked under the writer lock: a SetOrder that has not yet marked id
	// will see this write's lock in its purge and wait for it.
	s.mu.RLock()
	_, removed := s.removed[id]
	s.mu.RUnlock()
	if removed {
		return fmt.Errorf("replace %s: %w", id, ErrRemoved)
	}

	rec := NewRecord(snap, s.opts.Now())
	rec.PluginID = id
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	if err := s.retry(ctx, "replace", RecordKey(id), func() error {
		return s.backend.Put(ctx, RecordKey(id), data)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[id] = &rec
	s.mu.Unlock()
	return nil
}

// Get returns the current record for id. Callers must not modify it.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListIDs returns the listed producer ids in discovery order.
func (s *Store) ListIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// SetOrder replaces the listed ids. Ids that leave the order are refused by
// later Replace calls. Unless RetainRemoved is set, records of ids not in
// the new order are purged from memory and backend.
func (s *Store) SetOrder(ctx context.Context, ids []string) error {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	ids = slices.Clone(ids)
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal ids: %w", err)
	}
	if err := s.retry(ctx, "set_order", KeyIDs, func() error {
		return s.backend.Put(ctx, KeyIDs, data)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.order
	s.order = ids
	for _, id := range ids {
		delete(s.removed, id)
	}
	var stale []string
	for _, id := range prev {
		if !slices.Contains(ids, id) {
			s.removed[id] = struct{}{}
			stale = append(stale, id)
		}
	}
	for id := range s.records {
		if !slices.Contains(ids, id) && !slices.Contains(stale, id) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	if s.opts.RetainRemoved {
		return nil
	}

	slices.Sort(stale)
	for _, id := range stale {
		if err := s.purge(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) purge(ctx context.Context, id string) error {
	mu := s.writer(id)
	mu.Lock()
	defer mu.Unlock()

	if err := s.retry(ctx, "purge", RecordKey(id), func() error {
		return s.backend.Delete(ctx, RecordKey(id))
	}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	s.logger.Debug("purged record", "producer", id)
	return nil
}

// Load warms the store from the backend. Undecodable records are skipped.
func (s *Store) Load(ctx context.Context) error {
	values, err := s.backend.All(ctx)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	order := []string{}
	if raw, ok := values[KeyIDs]; ok {
		if err := json.Unmarshal(raw, &order); err != nil {
			s.logger.Warn("ignoring undecodable id list", "error", err)
			order = []string{}
		}
	}

	records := make(map[string]*Record)
	for key, raw := range values {
		id, ok := strings.CutPrefix(key, "plugin_")
		if !ok || key == KeyIDs {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("ignoring undecodable record", "producer", id, "error", err)
			continue
		}
		if rec.Version != RecordVersion {
			s.logger.Warn("ignoring record with unknown version", "producer", id, "version", rec.Version)
			continue
		}
		records[id] = &rec
	}

	s.mu.Lock()
	s.order = order
	s.records = records
	s.mu.Unlock()

	s.logger.Info("store loaded", "listed", len(order), "records", len(records))
	return nil
}

// retry runs op, retrying once immediately. The second failure is returned
// as a *StoreError.
func (s *Store) retry(ctx context.Context, op, key string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		s.logger.Warn("store write failed, retrying", "op", op, "key", key, "error", err)
		if err = fn(); err == nil {
			return nil
		}
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
