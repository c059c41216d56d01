package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"docchat/internal/model"
)

const keyPrefix = "docchat:history:"

// HistoryCache keeps a short-lived JSON copy of a session's history. A dirty
// marker is set whenever new messages are in flight to the database so that
// readers fall through to MySQL until the writes have landed.
type HistoryCache struct {
	client         redisv9.Cmdable
	historyTTL     time.Duration
	dirtyMarkerTTL time.Duration
}

func NewHistoryCache(client redisv9.Cmdable, historyTTL, dirtyMarkerTTL time.Duration) *HistoryCache {
	if historyTTL <= 0 {
		historyTTL = 60 * time.Second
	}
	if dirtyMarkerTTL <= 0 {
		dirtyMarkerTTL = 5 * time.Second
	}
	return &HistoryCache{
		client:         client,
		historyTTL:     historyTTL,
		dirtyMarkerTTL: dirtyMarkerTTL,
	}
}

// GetHistory reports a miss when the entry is absent or marked dirty.
func (c *HistoryCache) GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error) {
	var (
		getCmd   *redisv9.StringCmd
		dirtyCmd *redisv9.IntCmd
	)
	_, err := c.client.Pipelined(ctx, func(p redisv9.Pipeliner) error {
		getCmd = p.Get(ctx, historyKey(sessionID))
		dirtyCmd = p.Exists(ctx, dirtyKey(sessionID))
		return nil
	})
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}
	if dirtyCmd.Val() > 0 {
		return nil, false, nil
	}
	raw, err := getCmd.Result()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var messages []model.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return messages, true, nil
}

// SetHistory is a no-op while the session is marked dirty, since the
// messages read from the database may be missing in-flight writes.
func (c *HistoryCache) SetHistory(ctx context.Context, sessionID string, messages []model.Message) error {
	dirty, err := c.client.Exists(ctx, dirtyKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis check dirty marker failed: %w", err)
	}
	if dirty > 0 {
		return nil
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}
	if err := c.client.Set(ctx, historyKey(sessionID), payload, c.historyTTL).Err(); err != nil {
		return fmt.Errorf("redis set history failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached copy and marks the session dirty in one round trip.
func (c *HistoryCache) Invalidate(ctx context.Context, sessionID string) error {
	_, err := c.client.TxPipelined(ctx, func(p redisv9.Pipeliner) error {
		p.Set(ctx, dirtyKey(sessionID), "1", c.dirtyMarkerTTL)
		p.Del(ctx, historyKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) DeleteHistory(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, historyKey(sessionID), dirtyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

func historyKey(sessionID string) string {
	return keyPrefix + sessionID
}

func dirtyKey(sessionID string) string {
	return keyPrefix + "dirty:" + sessionID
}
