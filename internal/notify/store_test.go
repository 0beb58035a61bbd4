package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushKeepsNewestWithinLimit(t *testing.T) {
	s := NewStore()
	defer s.Close()
	for i := 0; i < Limit+2; i++ {
		s.Push(Notice{Title: fmt.Sprintf("n%d", i)})
	}
	list := s.List()
	require.Len(t, list, Limit)
	assert.Equal(t, fmt.Sprintf("n%d", Limit+1), list[0].Title)
	assert.True(t, list[0].Open)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s := NewStore()
	defer s.Close()
	var mu sync.Mutex
	var calls int
	var last []Notice
	unsubscribe := s.Subscribe(func(n []Notice) {
		mu.Lock()
		calls++
		last = n
		mu.Unlock()
	})

	s.Push(Notice{Title: "saved"})
	mu.Lock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "saved", last[0].Title)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	s.Push(Notice{Title: "ignored"})
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestStoresAreIndependent(t *testing.T) {
	a, b := NewStore(), NewStore()
	defer a.Close()
	defer b.Close()
	a.Push(Notice{Title: "only a"})
	assert.Len(t, a.List(), 1)
	assert.Empty(t, b.List())
}

func TestDismissRemovesAfterDelay(t *testing.T) {
	s := NewStore()
	s.delay = 10 * time.Millisecond
	defer s.Close()

	id := s.Push(Notice{Title: "error", Level: LevelError})
	s.Dismiss(id)
	list := s.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Open)

	assert.Eventually(t, func() bool { return len(s.List()) == 0 }, time.Second, 5*time.Millisecond)
	s.Dismiss("unknown")
}
