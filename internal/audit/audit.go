// Package audit provides the append-only event log.
//
// Every state transition, safety decision, and external side effect writes
// an Event keyed by a correlation id, so the full history of one logical
// operation can be reconstructed after the fact. Events are never modified
// or deleted; the Postgres store enforces this with a trigger, the memory
// store by construction.
//
// Callers must treat a failed Append as fatal for the operation in
// progress: a side effect whose audit write failed must not proceed.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable audit record. Data is an opaque structured
// payload; the log does not interpret it.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and the current time. An empty
// correlation id is replaced with a generated UUID.
func NewEvent(t EventType, correlationID string, data map[string]any) Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Types         []EventType
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// Store is the append-only event log contract. Append must be durable
// before it returns.
type Store interface {
	Append(ctx context.Context, e Event) error
	Get(ctx context.Context, id string) (*Event, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
	Stats(ctx context.Context) (map[EventType]int64, error)
	Close() error
}

// MemoryStore is an in-process Store used for tests and for runs without a
// DATABASE_URL. Append-only by construction: there is no API that mutates
// or removes a stored event.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]int
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

// Append stores a copy of the event.
func (s *MemoryStore) Append(ctx context.Context, e Event) error {
	if e.ID == "" {
		return fmt.Errorf("append event: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[e.ID]; exists {
		return fmt.Errorf("append event: duplicate id %s", e.ID)
	}
	s.byID[e.ID] = len(s.events)
	s.events = append(s.events, e)
	return nil
}

// Get returns the event with the given id, or nil if absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	e := s.events[idx]
	return &e, nil
}

// Query returns events matching the filter in append order.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	skipped := 0
	for _, e := range s.events {
		if !matches(e, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Stats returns per-type event counts.
func (s *MemoryStore) Stats(ctx context.Context) (map[EventType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[EventType]int64)
	for _, e := range s.events {
		stats[e.Type]++
	}
	return stats, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func matches(e Event, f Filter) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// SortedTypes returns the event types present in a stats map in stable
// order, for deterministic reporting.
func SortedTypes(stats map[EventType]int64) []EventType {
	out := make([]EventType, 0, len(stats))
	for t := range stats {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
