package threads

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/storage"
)

// RecordKey is the storage key of the serialized thread list.
const RecordKey = "chatThreads"

const nameRuneLimit = 30

// Store owns every thread and the id of the active one.
// The in-memory list is authoritative; storage failures are logged only.
type Store struct {
	kv storage.KV

	mu      sync.RWMutex
	threads []models.Thread // newest first
	active  string
	now     func() time.Time
}

func New(kv storage.KV) *Store {
	return &Store{kv: kv, now: func() time.Time { return time.Now().UTC() }}
}

// Load replaces the in-memory list with the stored one and activates the newest thread.
// It returns the number of threads loaded.
func (s *Store) Load(ctx context.Context) int {
	data, err := s.kv.Get(ctx, RecordKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warnf("load threads: %v", err)
		}
		return 0
	}
	var loaded []models.Thread
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warnf("decode threads: %v", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = loaded
	s.active = ""
	if len(loaded) > 0 {
		s.active = loaded[0].ID
	}
	return len(loaded)
}

// Create prepends a new thread, activates it and returns its id.
func (s *Store) Create(ctx context.Context, name string, initial []models.Message) string {
	if name == "" {
		name = models.UntitledThreadName
	}
	msgs := models.CloneMessages(initial)
	if msgs == nil {
		msgs = []models.Message{}
	}
	thread := models.Thread{
		ID:        uuid.NewString(),
		Name:      name,
		Messages:  msgs,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append([]models.Thread{thread}, s.threads...)
	s.active = thread.ID
	s.persistLocked(ctx)
	return thread.ID
}

// Switch activates id and returns a copy of its messages.
// Unknown ids leave the store untouched.
func (s *Store) Switch(id string) ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	s.active = id
	return models.CloneMessages(s.threads[idx].Messages), true
}

// Replace overwrites the messages of id with snapshot. A thread that had no
// messages and still carries a placeholder name is named after the first user message.
func (s *Store) Replace(ctx context.Context, id string, snapshot []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	thread := &s.threads[idx]
	if len(thread.Messages) == 0 && models.IsPlaceholderName(thread.Name) {
		if name := nameFrom(snapshot); name != "" {
			thread.Name = name
		}
	}
	msgs := models.CloneMessages(snapshot)
	if msgs == nil {
		msgs = []models.Message{}
	}
	thread.Messages = msgs
	s.persistLocked(ctx)
	return true
}

// Rename sets the display name of id.
func (s *Store) Rename(ctx context.Context, id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	s.threads[idx].Name = name
	s.persistLocked(ctx)
	return true
}

func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Store) Get(id string) (models.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return models.Thread{}, false
	}
	return s.threads[idx].Clone(), true
}

// List returns copies of all threads, newest first.
func (s *Store) List() []models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Thread, len(s.threads))
	for i, t := range s.threads {
		out[i] = t.Clone()
	}
	return out
}

func (s *Store) indexLocked(id string) int {
	for i := range s.threads {
		if s.threads[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) persistLocked(ctx context.Context) {
	data, err := json.Marshal(s.threads)
	if err != nil {
		logger.Warnf("encode threads: %v", err)
		return
	}
	if err := s.kv.Put(ctx, RecordKey, data); err != nil {
		logger.Warnf("persist threads: %v", err)
	}
}

func nameFrom(snapshot []models.Message) string {
	for _, msg := range snapshot {
		if msg.Role != models.RoleUser || models.IsSentinel(msg) {
			continue
		}
		text := strings.TrimSpace(msg.Content.Text())
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > nameRuneLimit {
			runes = runes[:nameRuneLimit]
		}
		return strings.TrimSpace(string(runes))
	}
	return ""
}
