package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Limit is the number of notices kept visible.
	Limit = 5
	// RemoveDelay is how long a dismissed notice lingers before removal.
	RemoveDelay = 5 * time.Second
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is one toast-style message.
type Notice struct {
	ID          string
	Level       Level
	Title       string
	Description string
	Open        bool
}

// Listener receives the visible notices after every change.
type Listener func([]Notice)

// Store is the notification state of one application root.
type Store struct {
	mu        sync.Mutex
	notices   []Notice
	listeners map[int]Listener
	nextID    int
	timers    map[string]*time.Timer
	delay     time.Duration
}

func NewStore() *Store {
	return &Store{
		listeners: make(map[int]Listener),
		timers:    make(map[string]*time.Timer),
		delay:     RemoveDelay,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Push shows n as the newest notice and returns its id.
func (s *Store) Push(n Notice) string {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Open = true
	s.mu.Lock()
	s.notices = append([]Notice{n}, s.notices...)
	if len(s.notices) > Limit {
		s.notices = s.notices[:Limit]
	}
	s.mu.Unlock()
	s.emit()
	return n.ID
}

// Dismiss closes the notice now and removes it after the delay.
func (s *Store) Dismiss(id string) {
	s.mu.Lock()
	found := false
	for i := range s.notices {
		if s.notices[i].ID == id {
			s.notices[i].Open = false
			found = true
		}
	}
	if found {
		if _, pending := s.timers[id]; !pending {
			s.timers[id] = time.AfterFunc(s.delay, func() { s.remove(id) })
		}
	}
	s.mu.Unlock()
	if found {
		s.emit()
	}
}

// List returns the visible notices, newest first.
func (s *Store) List() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// Close stops pending removals.
func (s *Store) Close() {
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	kept := s.notices[:0]
	for _, n := range s.notices {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	s.notices = kept
	s.mu.Unlock()
	s.emit()
}

func (s *Store) emit() {
	s.mu.Lock()
	snapshot := make([]Notice, len(s.notices))
	copy(snapshot, s.notices)
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}
