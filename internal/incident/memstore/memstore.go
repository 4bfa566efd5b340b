// Package memstore provides an in-memory implementation of incident.Store and
// incident.Feed.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/opsflow/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> record

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		subs:      make(map[*subscriber]struct{}),
	}
}

// Create stores a copy of the incident unless one with the same ID exists.
func (s *Store) Create(_ context.Context, inc *incident.Incident) (bool, error) {
	s.mu.Lock()
	if _, ok := s.incidents[inc.IncidentID]; ok {
		s.mu.Unlock()
		return false, nil
	}
	cp := inc.Clone()
	s.incidents[inc.IncidentID] = cp
	image := cp.Clone()
	s.mu.Unlock()

	s.publish(incident.Change{Type: incident.ChangeInsert, ID: inc.IncidentID, NewImage: image})
	return true, nil
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// Update applies a partial update under the store lock, so concurrent
// updates to disjoint field groups never lose each other's writes.
func (s *Store) Update(_ context.Context, id string, fields incident.Fields) error {
	s.mu.Lock()
	inc, ok := s.incidents[id]
	if !ok {
		s.mu.Unlock()
		return incident.ErrNotFound
	}
	next := inc.Clone()
	if err := fields.Apply(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.incidents[id] = next
	image := next.Clone()
	s.mu.Unlock()

	s.publish(incident.Change{Type: incident.ChangeModify, ID: id, NewImage: image})
	return nil
}

// Delete removes an incident. Missing IDs are ignored.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.incidents[id]
	delete(s.incidents, id)
	s.mu.Unlock()

	if ok {
		s.publish(incident.Change{Type: incident.ChangeRemove, ID: id})
	}
	return nil
}

// Subscribe returns a channel receiving every change made after the call.
// Slow subscribers never block writers; changes queue per subscriber.
func (s *Store) Subscribe(ctx context.Context) (<-chan incident.Change, error) {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	out := make(chan incident.Change)

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.subMu.Lock()
			delete(s.subs, sub)
			s.subMu.Unlock()
		}()

		for {
			for _, c := range sub.drain() {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *Store) publish(c incident.Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		sub.push(c)
	}
}

type subscriber struct {
	mu      sync.Mutex
	pending []incident.Change
	wake    chan struct{}
}

func (s *subscriber) push(c incident.Change) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []incident.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}
