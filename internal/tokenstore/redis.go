package tokenstore

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is configured.
const DefaultRedisKey = "opencollective:token"

// RedisStore keeps the token record under a single Redis key, so processes
// on different hosts can share one set of credentials.
// SET is atomic, which gives the same last-write-wins semantics as the file.
type RedisStore struct {
	rdb redis.Cmdable
	key string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over rdb at key (DefaultRedisKey if empty).
func NewRedisStore(rdb redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) location() string { return "redis:" + s.key }

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if !rec.Valid() {
		return &Error{Op: "save", Path: s.location(), Err: ErrInvalidRecord}
	}
	data, err := json.Marshal(rec.Normalize())
	if err != nil {
		return &Error{Op: "save", Path: s.location(), Err: errors.Wrap(err, "encode")}
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return &Error{Op: "save", Path: s.location(), Err: err}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (Record, bool, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, &Error{Op: "load", Path: s.location(), Err: err}
	}
	rec, err := Parse(data)
	if err != nil {
		return Record{}, false, &Error{Op: "load", Path: s.location(), Corrupt: true, Err: err}
	}
	return rec, true, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return &Error{Op: "delete", Path: s.location(), Err: err}
	}
	return nil
}
