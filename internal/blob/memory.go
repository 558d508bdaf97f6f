package blob

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	contentType string
	data        []byte
	stored      time.Time
}

// Memory keeps recent objects in process and serves them from the gateway's
// own /audio/ route. It is meant for development and single node
// deployments.
type Memory struct {
	baseURL   string
	retention time.Duration
	max       int
	now       func() time.Time

	mu      sync.Mutex
	objects map[string]memoryObject
	order   []string
}

// NewMemory returns a store whose URLs are baseURL + "/" + key. Objects are
// dropped once older than retention. max is a hard ceiling on the number of
// objects; reaching it drops the oldest even inside the retention window, so
// Twilio may fetch a <Play> URL that is already gone. Size it above the
// number of turns expected per retention window.
func NewMemory(baseURL string, retention time.Duration, max int) *Memory {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if max <= 0 {
		max = 4096
	}
	return &Memory{
		baseURL:   strings.TrimRight(baseURL, "/"),
		retention: retention,
		max:       max,
		now:       time.Now,
		objects:   make(map[string]memoryObject),
	}
}

func (m *Memory) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.expireLocked(now)
	if _, ok := m.objects[key]; ok {
		for i, k := range m.order {
			if k == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.order = append(m.order, key)
	m.objects[key] = memoryObject{contentType: contentType, data: append([]byte(nil), data...), stored: now}
	for len(m.order) > m.max {
		delete(m.objects, m.order[0])
		m.order = m.order[1:]
	}
	return m.baseURL + "/" + key, nil
}

// expireLocked drops objects past retention. order is oldest first.
func (m *Memory) expireLocked(now time.Time) {
	n := 0
	for n < len(m.order) {
		obj, ok := m.objects[m.order[n]]
		if ok && now.Sub(obj.stored) < m.retention {
			break
		}
		delete(m.objects, m.order[n])
		n++
	}
	m.order = m.order[n:]
}

// Get returns a stored object and its content type.
func (m *Memory) Get(key string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok || m.now().Sub(obj.stored) >= m.retention {
		return nil, "", ErrNotFound
	}
	return obj.data, obj.contentType, nil
}
