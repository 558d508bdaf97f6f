// Package store persists per-call conversation history.
//
// A record holds the full ordered turn sequence for one call and a version
// number. Save is a compare-and-swap on that version: it only succeeds when
// the stored version still matches the one the caller loaded, so two writers
// racing on the same call cannot silently drop each other's turns.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/user/pion-call-gateway/internal/session"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrCorrupt marks a stored record that cannot be decoded, such as one
	// written in an unknown format.
	ErrCorrupt = errors.New("store: undecodable record")
)

// Record is the stored history of one call. Version 0 means the record has
// never been saved.
type Record struct {
	CallID    string
	Version   int64
	UpdatedAt time.Time
	Turns     []session.Turn
}

// ConversationStore loads and saves call histories.
//
// Save writes rec with Version+1 if the stored version equals rec.Version (an
// absent record has version 0) and returns the stored record. Otherwise it
// returns ErrVersionConflict and writes nothing.
type ConversationStore interface {
	Load(ctx context.Context, callID string) (Record, error)
	Save(ctx context.Context, rec Record) (Record, error)
}

// AppendExchange appends a caller/agent pair to the history of callID,
// reloading and retrying when another writer got there first. The loaded
// record is passed as base to skip the first read; pass a zero Record to
// start with a fresh load.
func AppendExchange(ctx context.Context, s ConversationStore, base Record, callerText, agentText string, attempts int) (Record, error) {
	if attempts < 1 {
		attempts = 1
	}
	rec := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			var err error
			rec, err = s.Load(ctx, base.CallID)
			switch {
			case errors.Is(err, ErrNotFound):
				rec = Record{CallID: base.CallID}
			case err != nil:
				return Record{}, errors.Wrap(err, "reload after conflict")
			}
		}
		next := rec
		next.CallID = base.CallID
		next.Turns = session.AppendExchange(rec.Turns, callerText, agentText)
		saved, err := s.Save(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Record{}, err
		}
	}
	return Record{}, errors.Wrapf(ErrVersionConflict, "call %s: gave up after %d attempts", base.CallID, attempts)
}

func key(prefix, callID string) string {
	return prefix + callID
}
