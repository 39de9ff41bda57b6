// Package bufferedemitter is an in-memory instrument.Emitter, adapted
// from the teacher's graph/emit/buffered.go. It keeps every event in
// memory, keyed by token id, until History/HistoryWithFilter read it or
// Clear/ClearAll discard it; it does not forward events to another sink.
package bufferedemitter

import (
	"context"
	"sync"

	"github.com/auroraworks/servicethread/instrument"
)

// Filter narrows HistoryWithFilter queries. All fields are optional
// and combined with AND logic.
type Filter struct {
	PlaceOrTransition string
	EventType         instrument.EventType
	MinTimestamp      *int64
	MaxTimestamp      *int64
}

// Emitter stores events in memory, keyed by token id, for later
// trace-reconstruction queries.
type Emitter struct {
	mu     sync.RWMutex
	events map[int32][]instrument.Event
}

// New creates an empty Emitter.
func New() *Emitter {
	return &Emitter{events: make(map[int32][]instrument.Event)}
}

func (e *Emitter) Emit(event instrument.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[event.TokenID] = append(e.events[event.TokenID], event)
}

func (e *Emitter) EmitBatch(_ context.Context, events []instrument.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, event := range events {
		e.events[event.TokenID] = append(e.events[event.TokenID], event)
	}
	return nil
}

// Flush is a no-op: events are already resident in memory.
func (e *Emitter) Flush(_ context.Context) error {
	return nil
}

// History returns the ordered events recorded for a token id.
func (e *Emitter) History(tokenID int32) []instrument.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := e.events[tokenID]
	out := make([]instrument.Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the events for tokenID matching filter.
func (e *Emitter) HistoryWithFilter(tokenID int32, filter Filter) []instrument.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []instrument.Event
	for _, event := range e.events[tokenID] {
		if filter.PlaceOrTransition != "" && event.PlaceOrTransition != filter.PlaceOrTransition {
			continue
		}
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		if filter.MinTimestamp != nil && event.Timestamp < *filter.MinTimestamp {
			continue
		}
		if filter.MaxTimestamp != nil && event.Timestamp > *filter.MaxTimestamp {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Clear removes the stored events for one token.
func (e *Emitter) Clear(tokenID int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.events, tokenID)
}

// ClearAll removes every stored event across all tokens.
func (e *Emitter) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = make(map[int32][]instrument.Event)
}
