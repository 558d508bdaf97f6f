package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "call:history:"

// Redis stores one JSON record per call under call:history:<call id>. Save
// uses WATCH/MULTI so a concurrent writer aborts the transaction instead of
// being overwritten.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis connects using a redis:// URL.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis store: parse url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis store: ping")
	}
	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Load(ctx context.Context, callID string) (Record, error) {
	data, err := r.client.Get(ctx, key(redisPrefix, callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "redis store: get")
	}
	return Decode(callID, data)
}

func (r *Redis) Save(ctx context.Context, rec Record) (Record, error) {
	if rec.CallID == "" {
		return Record{}, errors.New("redis store: empty call id")
	}
	k := key(redisPrefix, rec.CallID)
	var saved Record

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return errors.Wrap(err, "redis store: get")
		default:
			current = storedVersion(rec.CallID, data)
		}
		if current != rec.Version {
			return errors.Wrapf(ErrVersionConflict, "call %s: have %d, stored %d", rec.CallID, rec.Version, current)
		}

		next := rec
		next.Version++
		next.UpdatedAt = r.now().UTC()
		payload, err := Encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		saved = next
		return nil
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return Record{}, errors.Wrapf(ErrVersionConflict, "call %s: concurrent write", rec.CallID)
	}
	if err != nil {
		return Record{}, err
	}
	return saved, nil
}
