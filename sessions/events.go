package sessions

import (
	"context"
	"strconv"
	"sync"
)

// EventStore persists the per-session server-to-client message log that
// backs SSE resumption. Append assigns the event id; Replay walks the events
// strictly after afterID. An empty afterID replays nothing: a fresh stream
// only sees new events.
type EventStore interface {
	Append(ctx context.Context, sessionID string, payload []byte) (string, error)
	Replay(ctx context.Context, sessionID, afterID string, fn func(id string, payload []byte) error) error
	// Drop discards a session's event log. Idempotent.
	Drop(ctx context.Context, sessionID string) error
	Close() error
}

// memoryEventStore keeps a bounded in-process event log per session.
type memoryEventStore struct {
	mu        sync.Mutex
	maxEvents int
	logs      map[string]*sessionLog
}

type sessionLog struct {
	seq     int64
	entries []memEvent
}

type memEvent struct {
	id      int64
	payload []byte
}

// NewMemoryEventStore builds the default in-process event store. maxEvents
// bounds the replay window per session; older events are discarded.
func NewMemoryEventStore(maxEvents int) EventStore {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &memoryEventStore{maxEvents: maxEvents, logs: make(map[string]*sessionLog)}
}

func (s *memoryEventStore) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[sessionID]
	if l == nil {
		l = &sessionLog{}
		s.logs[sessionID] = l
	}
	l.seq++
	p := make([]byte, len(payload))
	copy(p, payload)
	l.entries = append(l.entries, memEvent{id: l.seq, payload: p})
	if len(l.entries) > s.maxEvents {
		l.entries = l.entries[len(l.entries)-s.maxEvents:]
	}
	return strconv.FormatInt(l.seq, 10), nil
}

func (s *memoryEventStore) Replay(ctx context.Context, sessionID, afterID string, fn func(id string, payload []byte) error) error {
	if afterID == "" {
		return nil
	}
	after, err := strconv.ParseInt(afterID, 10, 64)
	if err != nil {
		// Unparseable resumption point: treat as a fresh stream.
		return nil
	}

	s.mu.Lock()
	l := s.logs[sessionID]
	var pending []memEvent
	if l != nil {
		for _, e := range l.entries {
			if e.id > after {
				pending = append(pending, e)
			}
		}
	}
	s.mu.Unlock()

	for _, e := range pending {
		if err := fn(strconv.FormatInt(e.id, 10), e.payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryEventStore) Drop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.logs, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *memoryEventStore) Close() error { return nil }
