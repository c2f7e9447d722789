package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Redis is a Store backed by a Redis list. New items are LPUSHed and the
// list trimmed to the bound, so index 0 is the newest item.
type Redis struct {
	client *redis.Client
	key    string
	max    int
}

// NewRedis creates a Redis store using the given list key, retaining at
// most max items.
func NewRedis(client *redis.Client, key string, max int) *Redis {
	return &Redis{client: client, key: key, max: max}
}

// Push appends a message, evicting the oldest beyond the bound.
func (r *Redis) Push(ctx context.Context, nick, text string) error {
	item := Item{
		Nick: nick,
		Text: text,
		TS:   time.Now().Unix(),
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "encode history item")
	}

	if err := r.client.LPush(ctx, r.key, raw).Err(); err != nil {
		return errors.Wrap(err, "lpush history")
	}
	if err := r.client.LTrim(ctx, r.key, 0, int64(r.max)-1).Err(); err != nil {
		return errors.Wrap(err, "ltrim history")
	}

	return nil
}

// List returns the retained messages, oldest first.
func (r *Redis) List(ctx context.Context) ([]Item, error) {
	raws, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "lrange history")
	}

	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			log.WithError(err).Warn("bad history item")
			continue
		}
		items = append(items, item)
	}

	// Newest first in Redis; callers want oldest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}
