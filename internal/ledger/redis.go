package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/prospect-labs/prospectd/internal/model"
)

const (
	jobKeyPrefix   = "prospectd:job:"
	ownerKeyPrefix = "prospectd:owner-jobs:"
)

// RedisLedger stores job records as JSON values with a per-key TTL, plus a
// per-owner index set for listing. No transactions or CAS: per-key atomicity
// of the backing store is the only guarantee, and concurrent updates are
// last-write-wins.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a redis-backed ledger from a redis URL and verifies
// connectivity with a ping.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "ledger: redis ping")
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}, nil
}

func (l *RedisLedger) Create(ctx context.Context, ownerID, searchID string, limit int) (*model.JobRecord, error) {
	now := time.Now().UTC()
	rec := model.JobRecord{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		SearchID:       searchID,
		RequestedLimit: limit,
		Status:         model.JobStatusPending,
		Progress:       0,
		Message:        "job queued",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.put(ctx, &rec, l.ttl); err != nil {
		return nil, err
	}

	ownerKey := ownerKeyPrefix + ownerID
	pipe := l.rdb.Pipeline()
	pipe.SAdd(ctx, ownerKey, rec.ID)
	pipe.Expire(ctx, ownerKey, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "ledger: index job")
	}
	return &rec, nil
}

func (l *RedisLedger) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	data, err := l.rdb.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get job %s", jobID)
	}

	var rec model.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(err, "ledger: decode job %s", jobID)
	}
	return &rec, nil
}

// Update performs read-modify-write without a guard. A slow writer can
// overwrite a faster one; this is the documented last-write-wins contract.
func (l *RedisLedger) Update(ctx context.Context, jobID string, patch model.JobUpdate) error {
	rec, err := l.Get(ctx, jobID)
	if err != nil {
		return err
	}
	patch.Apply(rec, time.Now().UTC())
	return l.put(ctx, rec, redis.KeepTTL)
}

func (l *RedisLedger) List(ctx context.Context, ownerID string) ([]model.JobRecord, error) {
	ids, err := l.rdb.SMembers(ctx, ownerKeyPrefix+ownerID).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: list jobs for owner %s", ownerID)
	}
	if len(ids) == 0 {
		return []model.JobRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKeyPrefix + id
	}
	values, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: load jobs for owner %s", ownerID)
	}

	out := make([]model.JobRecord, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Job key expired but the index entry outlived it.
			stale = append(stale, ids[i])
			continue
		}
		var rec model.JobRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		l.rdb.SRem(ctx, ownerKeyPrefix+ownerID, stale...)
	}
	return out, nil
}

// PurgeExpired is a no-op: redis evicts job keys via per-key TTL.
func (l *RedisLedger) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

// Close releases the underlying redis connection.
func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}

func (l *RedisLedger) put(ctx context.Context, rec *model.JobRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "ledger: encode job %s", rec.ID)
	}
	if err := l.rdb.Set(ctx, jobKeyPrefix+rec.ID, data, ttl).Err(); err != nil {
		return eris.Wrapf(err, "ledger: store job %s", rec.ID)
	}
	return nil
}
