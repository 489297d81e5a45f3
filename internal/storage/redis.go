package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
)

// lookupScript counts the hit and reads the text in one server-side step
var lookupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
return redis.call('HGET', KEYS[1], 'text')
`)

// RedisStore keeps each entry in a hash under <prefix>:entry:<fingerprint>
// and tracks the set of fingerprints in <prefix>:entries.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if prefix == "" {
		prefix = "ocr:cache"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, ocrerrors.NewCacheUnavailableError("connect", fmt.Errorf("failed to connect to Redis: %w", err))
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) entryKey(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s:entry:%s", r.prefix, fp)
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":entries"
}

func (r *RedisStore) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (string, bool, error) {
	text, err := lookupScript.Run(ctx, r.client, []string{r.entryKey(fp)}).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ocrerrors.NewCacheUnavailableError("lookup", err)
	}
	return text, true, nil
}

// Store replaces the entry hash and registers the fingerprint atomically
func (r *RedisStore) Store(ctx context.Context, fp fingerprint.Fingerprint, sourceHint, text string) error {
	key := r.entryKey(fp)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"source_hint": sourceHint,
			"text":        text,
			"created_at":  time.Now().UnixNano(),
			"hit_count":   0,
		})
		pipe.SAdd(ctx, r.indexKey(), fp.String())
		return nil
	})
	if err != nil {
		return ocrerrors.NewCacheUnavailableError("store", err)
	}
	return nil
}

// Entry reads an entry without counting a hit
func (r *RedisStore) Entry(ctx context.Context, fp fingerprint.Fingerprint) (*CacheEntry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(fp)).Result()
	if err != nil {
		return nil, ocrerrors.NewCacheUnavailableError("entry", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	hits, _ := strconv.ParseInt(fields["hit_count"], 10, 64)
	return &CacheEntry{
		Fingerprint: fp,
		SourceHint:  fields["source_hint"],
		Text:        fields["text"],
		CreatedAt:   time.Unix(0, created),
		HitCount:    hits,
	}, nil
}

func (r *RedisStore) Stats(ctx context.Context) (CacheStats, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return CacheStats{}, ocrerrors.NewCacheUnavailableError("stats", err)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(members))
	for _, m := range members {
		cmds = append(cmds, pipe.HGet(ctx, fmt.Sprintf("%s:entry:%s", r.prefix, m), "hit_count"))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return CacheStats{}, ocrerrors.NewCacheUnavailableError("stats", err)
		}
	}

	stats := CacheStats{}
	for _, cmd := range cmds {
		n, err := cmd.Int64()
		if err != nil {
			continue // entry expired or removed between SMEMBERS and HGET
		}
		stats.EntryCount++
		stats.TotalHits += n
	}
	return stats, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return ocrerrors.NewCacheUnavailableError("clear", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			pipe.Del(ctx, fmt.Sprintf("%s:entry:%s", r.prefix, m))
		}
		pipe.Del(ctx, r.indexKey())
		return nil
	})
	if err != nil {
		return ocrerrors.NewCacheUnavailableError("clear", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
