// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert // alert ID -> alert
	byKey  map[string][]string     // dedupe key -> alert IDs, oldest first
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts: make(map[string]*alert.Alert),
		byKey:  make(map[string][]string),
	}
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// FindLive returns the newest non-resolved alert for the dedupe key created
// at or after since. Returns a copy.
func (s *Store) FindLive(_ context.Context, key string, since time.Time) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byKey[key]
	for i := len(ids) - 1; i >= 0; i-- {
		a := s.alerts[ids[i]]
		if a.State.Terminal() || a.CreatedAt.Before(since) {
			continue
		}
		return a.Clone(), true, nil
	}
	return nil, false, nil
}

// Put stores a copy of the alert.
func (s *Store) Put(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		s.byKey[a.DedupeKey] = append(s.byKey[a.DedupeKey], a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

// ListActive returns copies of every non-resolved alert, oldest first.
func (s *Store) ListActive(_ context.Context) ([]*alert.Alert, error) {
	s.mu.RLock()
	out := make([]*alert.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if !a.State.Terminal() {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(x, y *alert.Alert) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out, nil
}

// Len returns the number of stored alerts, resolved included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}
