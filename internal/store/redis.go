package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

const (
	recordKeyPrefix = "stg:tx:"
	idemKeyPrefix   = "stg:tx:key:"
	stateKeyPrefix  = "stg:tx:state:"
	tombKeyPrefix   = "stg:tx:tomb:"

	// terminal records keep their group bytes this long; the key index and
	// a tombstone never expire
	retention  = 7 * 24 * time.Hour
	casRetries = 16
)

func recordKey(id string) string { return recordKeyPrefix + id }

func idemKey(key string) string { return idemKeyPrefix + key }

func stateKey(s State) string { return stateKeyPrefix + string(s) }

func tombKey(id string) string { return tombKeyPrefix + id }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps each record as a JSON string with a key → id index and
// one id set per state. Writes are WATCH/MULTI compare-and-set. A terminal
// record's full copy expires after retention; its tombstone answers Get and
// key replays afterwards.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, r *Record) (*Record, bool, error) {
	stamp(r, s.now())
	data, err := json.Marshal(r)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	var existing *Record
	created := false
	err = s.cas(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, idemKey(r.IdempotencyKey)).Result()
		switch {
		case err == nil:
			existing, err = s.load(ctx, tx, id)
			return err
		case !errors.Is(err, redis.Nil):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(r.ID), data, 0)
			pipe.Set(ctx, idemKey(r.IdempotencyKey), r.ID, 0)
			pipe.SAdd(ctx, stateKey(r.State), r.ID)
			return nil
		})
		created = err == nil
		return err
	}, idemKey(r.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("create record: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	out := *r
	return &out, created, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.load(ctx, s.rdb, id)
}

func (s *RedisStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	id, err := s.rdb.Get(ctx, idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.New(apperr.NotFound, "no record for idempotency key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return s.load(ctx, s.rdb, id)
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Record)) (*Record, error) {
	return s.rewrite(ctx, id, func(r *Record, now time.Time) error {
		return applyTransition(r, from, to, mutate, now)
	})
}

func (s *RedisStore) Update(ctx context.Context, id string, state State, mutate func(*Record)) (*Record, error) {
	return s.rewrite(ctx, id, func(r *Record, now time.Time) error {
		return applyUpdate(r, state, mutate, now)
	})
}

// ListByState returns the records currently indexed under states. Ids whose
// record has aged out are pruned from the index as they are met.
func (s *RedisStore) ListByState(ctx context.Context, states ...State) ([]*Record, error) {
	var out []*Record
	for _, st := range states {
		ids, err := s.rdb.SMembers(ctx, stateKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", st, err)
		}
		for _, id := range ids {
			r, err := s.loadLive(ctx, s.rdb, id)
			if apperr.Is(err, apperr.NotFound) {
				s.rdb.SRem(ctx, stateKey(st), id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if r.State != st {
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// ── internals ─────────────────────────────────────────────────────────────────

func (s *RedisStore) rewrite(ctx context.Context, id string, apply func(*Record, time.Time) error) (*Record, error) {
	var out *Record
	err := s.cas(ctx, func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := r.State
		if err := apply(r, s.now()); err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Duration(0)
			if r.State.Terminal() {
				ttl = retention
				tomb, err := json.Marshal(r.Tombstone())
				if err != nil {
					return fmt.Errorf("marshal tombstone: %w", err)
				}
				pipe.Set(ctx, tombKey(id), tomb, 0)
			}
			pipe.Set(ctx, recordKey(id), data, ttl)
			if prev != r.State {
				pipe.SRem(ctx, stateKey(prev), id)
				pipe.SAdd(ctx, stateKey(r.State), id)
			}
			return nil
		})
		if err == nil {
			out = r
		}
		return err
	}, recordKey(id))
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, fmt.Errorf("rewrite record %s: %w", id, err)
	}
	return out, nil
}

// cas runs fn under WATCH keys, retrying when another writer got there first.
func (s *RedisStore) cas(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperr.New(apperr.Internal, "record store contention on %v", keys)
}

// load returns the full record, or its tombstone once the full copy aged out.
func (s *RedisStore) load(ctx context.Context, c getter, id string) (*Record, error) {
	r, err := s.loadLive(ctx, c, id)
	if !apperr.Is(err, apperr.NotFound) {
		return r, err
	}
	return s.decode(ctx, c, tombKey(id), id)
}

func (s *RedisStore) loadLive(ctx context.Context, c getter, id string) (*Record, error) {
	return s.decode(ctx, c, recordKey(id), id)
}

func (s *RedisStore) decode(ctx context.Context, c getter, key, id string) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.New(apperr.NotFound, "no transaction %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &r, nil
}
