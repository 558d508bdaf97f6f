package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memoryItem struct {
	data    []byte
	expires time.Time
}

// Memory keeps encoded records in process. It is the default backend when no
// external store is configured and does not survive a restart.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (m *Memory) loadLocked(callID string) ([]byte, bool) {
	it, ok := m.items[callID]
	if !ok {
		return nil, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, callID)
		return nil, false
	}
	return it.data, true
}

func (m *Memory) Load(_ context.Context, callID string) (Record, error) {
	m.mu.Lock()
	data, ok := m.loadLocked(callID)
	m.mu.Unlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return Decode(callID, data)
}

func (m *Memory) Save(_ context.Context, rec Record) (Record, error) {
	if rec.CallID == "" {
		return Record{}, errors.New("memory store: empty call id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if data, ok := m.loadLocked(rec.CallID); ok {
		current = storedVersion(rec.CallID, data)
	}
	if current != rec.Version {
		return Record{}, errors.Wrapf(ErrVersionConflict, "call %s: have %d, stored %d", rec.CallID, rec.Version, current)
	}

	rec.Version++
	rec.UpdatedAt = m.now().UTC()
	data, err := Encode(rec)
	if err != nil {
		return Record{}, err
	}
	it := memoryItem{data: data}
	if m.ttl > 0 {
		it.expires = m.now().Add(m.ttl)
	}
	m.items[rec.CallID] = it
	return rec, nil
}
