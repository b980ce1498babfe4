package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/agent-market/agentbuild/internal/model"
)

const DefaultRedisPrefix = "agentbuild"

// removeJobScript deletes the owner entry only when it still names the job.
var removeJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
end
redis.call('DEL', KEYS[2])
return 1
`)

// recordResultScript stores a result once and trims the history to ARGV[4] entries.
var recordResultScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
local stale = redis.call('ZRANGE', KEYS[2], 0, -(tonumber(ARGV[4]) + 1))
if #stale > 0 then
  redis.call('ZREM', KEYS[2], unpack(stale))
  redis.call('HDEL', KEYS[1], unpack(stale))
end
return 1
`)

// Redis keeps the registry in a shared redis instance:
//
// - <prefix>:active_jobs hash of owner id to job id
// - <prefix>:job_meta:<job id> hash of display metadata
// - <prefix>:results hash of job id to JSON result, ordered by <prefix>:results_by_time
type Redis struct {
	rc     *redis.Client
	prefix string
}

func NewRedis(rc *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rc: rc, prefix: prefix}
}

// OpenRedis parses a redis:// URL and checks the server is reachable.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rc, prefix), nil
}

func (r *Redis) Close() error { return r.rc.Close() }

func (r *Redis) activeKey() string { return r.prefix + ":active_jobs" }

func (r *Redis) metaKey(jobID string) string { return r.prefix + ":job_meta:" + jobID }

func (r *Redis) resultsKey() string { return r.prefix + ":results" }

func (r *Redis) resultsByTimeKey() string { return r.prefix + ":results_by_time" }

func (r *Redis) Put(ctx context.Context, ownerID, jobID string) error {
	if ownerID == "" || jobID == "" {
		return ErrEmptyKey
	}
	return r.rc.HSet(ctx, r.activeKey(), ownerID, jobID).Err()
}

func (r *Redis) GetAll(ctx context.Context) (map[string]string, error) {
	out, err := r.rc.HGetAll(ctx, r.activeKey()).Result()
	if err == redis.Nil {
		return map[string]string{}, nil
	}
	return out, err
}

// Remove is a no-op for absent owners; HDEL on a missing field returns 0.
func (r *Redis) Remove(ctx context.Context, ownerID string) error {
	return r.rc.HDel(ctx, r.activeKey(), ownerID).Err()
}

func (r *Redis) RemoveJob(ctx context.Context, ownerID, jobID string) error {
	return removeJobScript.Run(ctx, r.rc,
		[]string{r.activeKey(), r.metaKey(jobID)}, ownerID, jobID).Err()
}

func (r *Redis) PutMeta(ctx context.Context, jobID string, meta model.JobMeta) error {
	if jobID == "" || meta.OwnerID == "" {
		return ErrEmptyKey
	}
	return r.rc.HSet(ctx, r.metaKey(jobID),
		"owner_id", meta.OwnerID,
		"display_name", meta.DisplayName,
		"started_at", meta.StartedAt.UnixMilli(),
	).Err()
}

func (r *Redis) GetMeta(ctx context.Context, jobID string) (model.JobMeta, error) {
	fields, err := r.rc.HGetAll(ctx, r.metaKey(jobID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.JobMeta{}, err
	}
	if len(fields) == 0 {
		return model.JobMeta{}, model.ErrNotFound
	}
	startedMs, err := strconv.ParseInt(fields["started_at"], 10, 64)
	if err != nil {
		return model.JobMeta{}, fmt.Errorf("parse started_at for job %q: %w", jobID, err)
	}
	return model.JobMeta{
		OwnerID:     fields["owner_id"],
		DisplayName: fields["display_name"],
		StartedAt:   time.UnixMilli(startedMs),
	}, nil
}

func (r *Redis) RecordResult(ctx context.Context, res model.Result) error {
	if res.JobID == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return recordResultScript.Run(ctx, r.rc,
		[]string{r.resultsKey(), r.resultsByTimeKey()},
		res.JobID, string(raw), res.FinishedAt.UnixMilli(), maxResults,
	).Err()
}

func (r *Redis) ListResults(ctx context.Context, ownerID string, limit int) ([]model.Result, error) {
	if limit <= 0 {
		limit = 25
	}
	ids, err := r.rc.ZRevRange(ctx, r.resultsByTimeKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := r.rc.HMGet(ctx, r.resultsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}

	var out []model.Result
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var res model.Result
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			return nil, fmt.Errorf("decode result %q: %w", ids[i], err)
		}
		if ownerID != "" && res.OwnerID != ownerID {
			continue
		}
		out = append(out, res)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
