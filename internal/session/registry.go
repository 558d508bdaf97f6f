// Package session keeps the process-wide view of live calls.
//
// The registry is a thin facade keyed by call id. Conversation history lives
// in the conversation store; the registry only tracks who the caller is, which
// call flow owns the call, and the per-call lock that serializes turns.
package session

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/user/pion-call-gateway/internal/directory"
)

var (
	ErrStreamActive   = errors.New("session: a media stream is already attached to this call")
	ErrUnknownSession = errors.New("session: unknown call")
)

// Mode is the call flow that owns a session.
type Mode string

const (
	ModeTurn   Mode = "turn"
	ModeStream Mode = "stream"
)

// CallSession is the registry's copy of a call. Values returned by the
// registry are snapshots; mutate through Update.
type CallSession struct {
	CallID    string
	CallerID  string
	Mode      Mode
	Profile   *directory.CustomerProfile
	Turns     int
	StartedAt time.Time
	LastSeen  time.Time
	Streaming bool
}

type entry struct {
	sess    CallSession
	sem     chan struct{}
	holders int
	stream  io.Closer
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (r *Registry) getOrCreateLocked(callID, callerID string) *entry {
	e, ok := r.entries[callID]
	if !ok {
		now := r.now()
		e = &entry{
			sess: CallSession{
				CallID:    callID,
				CallerID:  callerID,
				Mode:      ModeTurn,
				StartedAt: now,
				LastSeen:  now,
			},
			sem: make(chan struct{}, 1),
		}
		r.entries[callID] = e
	}
	if e.sess.CallerID == "" && callerID != "" {
		e.sess.CallerID = callerID
	}
	return e
}

// GetOrCreate returns the session for callID, registering it on first sight.
// A non-empty callerID fills in a session that was created without one.
func (r *Registry) GetOrCreate(callID, callerID string) CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getOrCreateLocked(callID, callerID)
	e.sess.LastSeen = r.now()
	return e.sess
}

func (r *Registry) Get(callID string) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok {
		return CallSession{}, false
	}
	return e.sess, true
}

// Update applies mutate to the stored session and returns the result.
// The call id cannot be changed by the mutator.
func (r *Registry) Update(callID string, mutate func(*CallSession)) (CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok {
		return CallSession{}, errors.Wrap(ErrUnknownSession, callID)
	}
	next := e.sess
	mutate(&next)
	next.CallID = callID
	next.LastSeen = r.now()
	e.sess = next
	return next, nil
}

// Acquire blocks until the caller holds the per-call lock for callID or ctx
// is done. Locks for different call ids are independent. The returned release
// func is idempotent.
func (r *Registry) Acquire(ctx context.Context, callID string) (func(), error) {
	r.mu.Lock()
	e := r.getOrCreateLocked(callID, "")
	e.holders++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		e.holders--
		r.mu.Unlock()
		return nil, errors.Wrapf(ctx.Err(), "acquire call %s", callID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.mu.Lock()
			e.holders--
			e.sess.LastSeen = r.now()
			r.mu.Unlock()
		})
	}, nil
}

// AttachStream marks callID as owned by a media bridge. closer is invoked by
// CloseStream when the provider ends the call out of band.
func (r *Registry) AttachStream(callID, callerID string, closer io.Closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getOrCreateLocked(callID, callerID)
	if e.stream != nil {
		return errors.Wrap(ErrStreamActive, callID)
	}
	e.stream = closer
	e.sess.Mode = ModeStream
	e.sess.Streaming = true
	e.sess.LastSeen = r.now()
	return nil
}

// DetachStream destroys the streaming entry for callID.
func (r *Registry) DetachStream(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok {
		return
	}
	e.stream = nil
	e.sess.Streaming = false
	if e.holders == 0 {
		delete(r.entries, callID)
	}
}

// CloseStream closes the media connection attached to callID, if any. The
// bridge that owns it detaches the session when it unwinds.
func (r *Registry) CloseStream(callID string) error {
	r.mu.Lock()
	e, ok := r.entries[callID]
	var c io.Closer
	if ok {
		c = e.stream
	}
	r.mu.Unlock()
	if c == nil {
		return errors.Wrap(ErrUnknownSession, callID)
	}
	return c.Close()
}

// Forget drops an idle turn-based session. Sessions that are locked or
// streaming are kept and Forget reports false.
func (r *Registry) Forget(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok || e.holders > 0 || e.stream != nil {
		return false
	}
	delete(r.entries, callID)
	return true
}

// Sweep forgets sessions that have not been touched for idle and are neither
// locked nor streaming. It returns the number of entries removed.
func (r *Registry) Sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-idle)
	n := 0
	for id, e := range r.entries {
		if e.holders > 0 || e.stream != nil {
			continue
		}
		if e.sess.LastSeen.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns all sessions ordered by start time.
func (r *Registry) Snapshot() []CallSession {
	r.mu.Lock()
	out := make([]CallSession, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.sess)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
