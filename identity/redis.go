package identity

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStore keeps identities in a Redis hash keyed by IP literal. Records
// are JSON encoded. Unlike FileStore it does not resolve nick collisions at
// write time; the hub's live uniqueness check covers remote deployments.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a RedisStore using the given hash key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Get returns the IP's record, or nil if there is none.
func (s *RedisStore) Get(ctx context.Context, ip net.IP) (*Record, error) {
	raw, err := s.client.HGet(ctx, s.key, ip.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "hget identity")
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "decode identity")
	}
	return &rec, nil
}

// Set binds the nick to the IP with the current time.
func (s *RedisStore) Set(ctx context.Context, ip net.IP, nick string) error {
	rec := Record{
		Nick:    nick,
		Updated: time.Now().Unix(),
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode identity")
	}

	if err := s.client.HSet(ctx, s.key, ip.String(), raw).Err(); err != nil {
		return errors.Wrap(err, "hset identity")
	}
	return nil
}

// Remove drops the IP's record.
func (s *RedisStore) Remove(ctx context.Context, ip net.IP) error {
	if err := s.client.HDel(ctx, s.key, ip.String()).Err(); err != nil {
		return errors.Wrap(err, "hdel identity")
	}
	return nil
}

// List returns every binding. Entries that fail to decode are skipped.
func (s *RedisStore) List(ctx context.Context) (map[string]Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "hgetall identities")
	}

	out := map[string]Record{}
	for ip, val := range raw {
		if net.ParseIP(ip) == nil {
			log.WithField("ip", ip).Warn("invalid ip in identities hash")
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			log.WithField("ip", ip).WithError(err).Warn("bad identity record")
			continue
		}
		out[ip] = rec
	}

	return out, nil
}
