package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapportlabs/rapport/pkg/types"
)

// Redis is the redis-backed [Backend]. Buckets are redis lists; the per-bucket
// sequence counter is a separate key so seq survives list trims.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions configures a [Redis] backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL expires idle buckets. 0 means no expiry.
	TTL time.Duration
}

// NewRedis creates a redis backend. The connection is verified in Start, not
// here, so construction never blocks.
func NewRedis(opts RedisOptions) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		ttl: opts.TTL,
	}
}

func bucketKey(key Key) string {
	return fmt.Sprintf("rapport:cache:%s:%s:%s:%d", key.Session, key.Category, key.Resource, key.Scene)
}

func seqKey(key Key) string {
	return bucketKey(key) + ":seq"
}

func resourcesKey(session string, scene types.SceneType) string {
	return fmt.Sprintf("rapport:cache:%s:resources:%d", session, scene)
}

// Append implements [Backend].
func (r *Redis) Append(ctx context.Context, key Key, payload json.RawMessage) (Event, error) {
	bucket := bucketKey(key)

	// Retry dedupe: an identical payload at the tail within the window is the
	// same logical event.
	if raw, err := r.client.LIndex(ctx, bucket, -1).Bytes(); err == nil {
		var last Event
		if json.Unmarshal(raw, &last) == nil &&
			bytes.Equal(last.Payload, payload) &&
			time.Since(last.TS) <= dedupeWindow {
			return last, nil
		}
	}

	seq, err := r.client.Incr(ctx, seqKey(key)).Result()
	if err != nil {
		return Event{}, fmt.Errorf("cache: redis incr: %w", err)
	}
	ev := Event{Key: key, Payload: payload, Seq: seq, TS: time.Now().UTC()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("cache: marshal event: %w", err)
	}
	if err := r.client.RPush(ctx, bucket, raw).Err(); err != nil {
		return Event{}, fmt.Errorf("cache: redis rpush: %w", err)
	}
	if key.Category == CategoryImageResult {
		if err := r.client.SAdd(ctx, resourcesKey(key.Session, key.Scene), key.Resource).Err(); err != nil {
			return Event{}, fmt.Errorf("cache: redis sadd: %w", err)
		}
	}
	if r.ttl > 0 {
		r.client.Expire(ctx, bucket, r.ttl)
		r.client.Expire(ctx, seqKey(key), r.ttl)
		r.client.Expire(ctx, resourcesKey(key.Session, key.Scene), r.ttl)
	}
	return ev, nil
}

// Last implements [Backend].
func (r *Redis) Last(ctx context.Context, key Key) (*Event, error) {
	raw, err := r.client.LIndex(ctx, bucketKey(key), -1).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis lindex: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("cache: decode event: %w", err)
	}
	return &ev, nil
}

// Events implements [Backend].
func (r *Redis) Events(ctx context.Context, key Key) ([]Event, error) {
	raws, err := r.client.LRange(ctx, bucketKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis lrange: %w", err)
	}
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("cache: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Resources implements [Backend].
func (r *Redis) Resources(ctx context.Context, session string, scene types.SceneType, limit int) ([]string, error) {
	members, err := r.client.SMembers(ctx, resourcesKey(session, scene.Normalise())).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	sort.Strings(members)
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// Start implements [Backend] by pinging the server.
func (r *Redis) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}

// Stop implements [Backend].
func (r *Redis) Stop(context.Context) error {
	return r.client.Close()
}

var _ Backend = (*Redis)(nil)
