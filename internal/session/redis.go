package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sessions outlive a single generation but not an abandoned conversation.
const sessionTTL = 7 * 24 * time.Hour

// RedisStore is the production Store: sessions as JSON values, the in-flight
// lock as a SET NX key with a TTL.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}

func lockKey(userID int64) string {
	return fmt.Sprintf("generation:in_flight:%d", userID)
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (*Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.UserID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) AcquireGenerationLock(ctx context.Context, userID int64, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(userID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire generation lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseGenerationLock(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, lockKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to release generation lock: %w", err)
	}
	return nil
}
