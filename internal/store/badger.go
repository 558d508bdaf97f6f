package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Badger is an embedded conversation store. Save runs the version check and
// the write in one read-write transaction; badger aborts the commit with
// ErrConflict if another transaction touched the key in between.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

// NewBadger opens a database in dir. An empty dir opens an in-memory database.
func NewBadger(dir string, ttl time.Duration) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badger store: open")
	}
	return &Badger{db: db, ttl: ttl, now: time.Now}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Load(_ context.Context, callID string) (Record, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key(redisPrefix, callID)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "badger store: get")
	}
	return Decode(callID, data)
}

func (b *Badger) Save(_ context.Context, rec Record) (Record, error) {
	if rec.CallID == "" {
		return Record{}, errors.New("badger store: empty call id")
	}
	k := []byte(key(redisPrefix, rec.CallID))
	var saved Record

	err := b.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current = storedVersion(rec.CallID, data)
		}
		if current != rec.Version {
			return errors.Wrapf(ErrVersionConflict, "call %s: have %d, stored %d", rec.CallID, rec.Version, current)
		}

		next := rec
		next.Version++
		next.UpdatedAt = b.now().UTC()
		payload, err := Encode(next)
		if err != nil {
			return err
		}
		e := badger.NewEntry(k, payload)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return Record{}, errors.Wrapf(ErrVersionConflict, "call %s: concurrent write", rec.CallID)
	}
	if err != nil {
		return Record{}, err
	}
	return saved, nil
}

// badgerLogger routes badger's own logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "badger").Msg(trimLog(format, args))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Str("component", "badger").Msg(trimLog(format, args))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("component", "badger").Msg(trimLog(format, args))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Str("component", "badger").Msg(trimLog(format, args))
}

func trimLog(format string, args []interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
