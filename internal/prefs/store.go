package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/storage"
)

// RecordKey is the storage key of the serialized preferences.
const RecordKey = "userPreferences"

type record struct {
	models.Preferences
	SurveyCompleted bool `json:"surveyCompleted"`
}

// Store holds the current survey answers. Reads never block on storage.
type Store struct {
	kv storage.KV

	mu        sync.RWMutex
	current   models.Preferences
	completed bool
}

func New(kv storage.KV) *Store {
	return &Store{kv: kv, current: models.DefaultPreferences()}
}

// Load restores persisted preferences. Invalid or unreadable records keep the defaults.
func (s *Store) Load(ctx context.Context) {
	data, err := s.kv.Get(ctx, RecordKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warnf("load preferences: %v", err)
		}
		return
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Warnf("decode preferences: %v", err)
		return
	}
	if err := rec.Preferences.Validate(); err != nil {
		logger.Warnf("stored preferences ignored: %v", err)
		return
	}
	s.mu.Lock()
	s.current = rec.Preferences
	s.completed = rec.SurveyCompleted
	s.mu.Unlock()
}

func (s *Store) Current() models.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) SurveyCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

// Set validates p, then stores it. The survey flag only ever moves from false to true.
func (s *Store) Set(ctx context.Context, p models.Preferences, surveyCompleted bool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = p
	s.completed = s.completed || surveyCompleted
	rec := record{Preferences: s.current, SurveyCompleted: s.completed}
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		logger.Warnf("encode preferences: %v", err)
		return nil
	}
	if err := s.kv.Put(ctx, RecordKey, data); err != nil {
		logger.Warnf("persist preferences: %v", err)
	}
	return nil
}

// ResetSurvey marks the survey as pending again, as happens on a new upload.
func (s *Store) ResetSurvey(ctx context.Context) {
	s.mu.Lock()
	s.completed = false
	rec := record{Preferences: s.current}
	s.mu.Unlock()
	data, _ := json.Marshal(rec)
	if err := s.kv.Put(ctx, RecordKey, data); err != nil {
		logger.Warnf("persist preferences: %v", err)
	}
}
