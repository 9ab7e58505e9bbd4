package lease

import (
	"context"
	"sync"
	"time"

	"github.com/harrison/storyloop/internal/models"
)

type leaseEntry struct {
	token   string
	expires time.Time
}

// MemoryStore is an in-process Store backed by mutex-guarded maps with
// deadline-based lease expiry. It is the default for tests and for
// single-process loops driven by the in-memory bus.
type MemoryStore struct {
	mu        sync.Mutex
	leases    map[string]leaseEntry
	artifacts map[string]string
	cancelled map[string]bool
	stories   map[string][]models.Story

	// clock is injectable so expiry can be tested without sleeping.
	clock func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases:    make(map[string]leaseEntry),
		artifacts: make(map[string]string),
		cancelled: make(map[string]bool),
		stories:   make(map[string][]models.Story),
		clock:     time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (m *MemoryStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *MemoryStore) Acquire(_ context.Context, loopID, storyID, token string, ttl time.Duration) (bool, string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := LeaseKey(loopID, storyID)
	now := m.clock()
	entry, ok := m.leases[key]
	if ok && entry.token != token && now.Before(entry.expires) {
		return false, entry.token, nil
	}

	m.leases[key] = leaseEntry{token: token, expires: now.Add(ttl)}
	return true, token, nil
}

func (m *MemoryStore) Renew(_ context.Context, loopID, storyID, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := LeaseKey(loopID, storyID)
	now := m.clock()
	entry, ok := m.leases[key]
	if !ok || entry.token != token || !now.Before(entry.expires) {
		return false, nil
	}

	entry.expires = now.Add(ttl)
	m.leases[key] = entry
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, loopID, storyID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := LeaseKey(loopID, storyID)
	if entry, ok := m.leases[key]; ok && entry.token == token {
		delete(m.leases, key)
	}
	return nil
}

func (m *MemoryStore) Holder(_ context.Context, loopID, storyID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[LeaseKey(loopID, storyID)]
	if !ok || !m.clock().Before(entry.expires) {
		return "", nil
	}
	return entry.token, nil
}

func (m *MemoryStore) PutArtifact(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Write-once: the first recorded artifact wins.
	if _, ok := m.artifacts[key]; !ok {
		m.artifacts[key] = value
	}
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.artifacts[key]
	return value, ok, nil
}

func (m *MemoryStore) Cancel(_ context.Context, loopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[loopID] = true
	return nil
}

func (m *MemoryStore) Cancelled(_ context.Context, loopID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[loopID], nil
}

func (m *MemoryStore) PutStories(_ context.Context, loopID string, stories []models.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]models.Story, len(stories))
	copy(copied, stories)
	m.stories[loopID] = copied
	return nil
}

func (m *MemoryStore) ReadStories(_ context.Context, loopID string) ([]models.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stories, ok := m.stories[loopID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]models.Story, len(stories))
	copy(copied, stories)
	return copied, nil
}

func (m *MemoryStore) TransitionStory(_ context.Context, loopID, storyID string, status models.StoryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stories, ok := m.stories[loopID]
	if !ok {
		return ErrNotFound
	}
	for i := range stories {
		if stories[i].ID != storyID {
			continue
		}
		if err := checkTransition(stories[i].Status, status); err != nil {
			return err
		}
		stories[i].Status = status
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) Close() error {
	return nil
}
