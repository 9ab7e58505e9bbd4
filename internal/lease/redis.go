package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harrison/storyloop/internal/models"
)

// renewScript extends a lease's TTL only while the caller still holds it.
// Keeping the compare and the expire in one script closes the window
// between checking the holder and renewing.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease only if the caller holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Store backed by a shared Redis instance, for
// deployments where stage invocations run across processes or hosts.
// Lease TTLs use Redis key expiry directly.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis instance at url
// (e.g. "redis://127.0.0.1:6379/0").
func NewRedisStore(url string) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(options), prefix: "storyloop:"}, nil
}

func (r *RedisStore) key(parts ...string) string {
	key := r.prefix
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

func (r *RedisStore) Acquire(ctx context.Context, loopID, storyID, token string, ttl time.Duration) (bool, string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := r.key("lease", loopID, storyID)

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, token, nil
	}

	holder, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; retry once.
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("acquire lease: %w", err)
		}
		return ok, token, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read lease holder: %w", err)
	}
	if holder == token {
		// Re-acquire by the same token refreshes the TTL.
		if err := r.client.PExpire(ctx, key, ttl).Err(); err != nil {
			return false, "", fmt.Errorf("refresh lease: %w", err)
		}
		return true, token, nil
	}
	return false, holder, nil
}

func (r *RedisStore) Renew(ctx context.Context, loopID, storyID, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	result, err := renewScript.Run(ctx, r.client,
		[]string{r.key("lease", loopID, storyID)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return result == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, loopID, storyID, token string) error {
	err := releaseScript.Run(ctx, r.client,
		[]string{r.key("lease", loopID, storyID)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (r *RedisStore) Holder(ctx context.Context, loopID, storyID string) (string, error) {
	holder, err := r.client.Get(ctx, r.key("lease", loopID, storyID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease holder: %w", err)
	}
	return holder, nil
}

func (r *RedisStore) PutArtifact(ctx context.Context, key, value string) error {
	// SETNX keeps the first recorded value.
	if err := r.client.SetNX(ctx, r.key("artifact", key), value, 0).Err(); err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

func (r *RedisStore) GetArtifact(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.key("artifact", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get artifact: %w", err)
	}
	return value, true, nil
}

func (r *RedisStore) Cancel(ctx context.Context, loopID string) error {
	if err := r.client.Set(ctx, r.key("cancelled", loopID), "1", 0).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

func (r *RedisStore) Cancelled(ctx context.Context, loopID string) (bool, error) {
	_, err := r.client.Get(ctx, r.key("cancelled", loopID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return true, nil
}

func (r *RedisStore) PutStories(ctx context.Context, loopID string, stories []models.Story) error {
	data, err := json.Marshal(stories)
	if err != nil {
		return fmt.Errorf("encode stories: %w", err)
	}
	if err := r.client.Set(ctx, r.key("stories", loopID), data, 0).Err(); err != nil {
		return fmt.Errorf("put stories: %w", err)
	}
	return nil
}

func (r *RedisStore) ReadStories(ctx context.Context, loopID string) ([]models.Story, error) {
	data, err := r.client.Get(ctx, r.key("stories", loopID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read stories: %w", err)
	}
	var stories []models.Story
	if err := json.Unmarshal(data, &stories); err != nil {
		return nil, fmt.Errorf("decode stories: %w", err)
	}
	return stories, nil
}

func (r *RedisStore) TransitionStory(ctx context.Context, loopID, storyID string, status models.StoryStatus) error {
	// Read-modify-write under optimistic WATCH so concurrent transitions
	// of different stories in the same loop do not clobber each other.
	key := r.key("stories", loopID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var stories []models.Story
		if err := json.Unmarshal(data, &stories); err != nil {
			return fmt.Errorf("decode stories: %w", err)
		}
		found := false
		for i := range stories {
			if stories[i].ID != storyID {
				continue
			}
			if err := checkTransition(stories[i].Status, status); err != nil {
				return err
			}
			stories[i].Status = status
			found = true
			break
		}
		if !found {
			return ErrNotFound
		}
		updated, err := json.Marshal(stories)
		if err != nil {
			return fmt.Errorf("encode stories: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transition story %s: too many conflicts", storyID)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
