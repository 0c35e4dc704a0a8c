package record

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store. It backs tests and embedders that run
// watchdogs as goroutines instead of processes.
type MemStore struct {
	mu       sync.Mutex
	records  map[string]Record
	watchers map[string]map[*memWatcher]struct{}
	now      func() time.Time
}

// NewMemStore returns an empty MemStore using the wall clock.
func NewMemStore() *MemStore {
	return &MemStore{
		records:  make(map[string]Record),
		watchers: make(map[string]map[*memWatcher]struct{}),
		now:      time.Now,
	}
}

func (s *MemStore) changed(key string) {
	for w := range s.watchers[key] {
		notify(w.events)
	}
}

func (s *MemStore) Create(key string, ownerPID int) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	s.records[key] = Record{Key: key, OwnerPID: ownerPID, LastReset: s.now()}
	s.changed(key)
	return nil
}

func (s *MemStore) Get(key string) (*Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return &rec, nil
}

func (s *MemStore) SetLastReset(key string, t time.Time) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	rec.LastReset = t
	s.records[key] = rec
	s.changed(key)
	return nil
}

func (s *MemStore) Remove(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(s.records, key)
	s.changed(key)
	return nil
}

func (s *MemStore) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		rec := rec
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (s *MemStore) Watch(key string) (Watcher, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &memWatcher{store: s, key: key, events: make(chan struct{}, 1), errors: make(chan error)}
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*memWatcher]struct{})
	}
	s.watchers[key][w] = struct{}{}
	return w, nil
}

type memWatcher struct {
	store  *MemStore
	key    string
	events chan struct{}
	errors chan error
}

func (w *memWatcher) Events() <-chan struct{} { return w.events }
func (w *memWatcher) Errors() <-chan error    { return w.errors }

func (w *memWatcher) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	delete(w.store.watchers[w.key], w)
	return nil
}
