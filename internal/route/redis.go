// Package route publishes which node holds each online identity, so other
// services can find the hub an identity is connected to.
package route

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/presencehub/internal/config"
)

const keyPrefix = "presence:route:"

// Store reads and writes route keys in redis.
//
// Keys:
//   - presence:route:{identityKey} -> node address, with TTL
type Store struct {
	cli  *redis.Client
	node string
	ttl  time.Duration
}

// New connects to redis and verifies the connection with a PING.
func New(ctx context.Context, cfg config.RedisConfig, node string) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: missing addr")
	}
	if node == "" {
		return nil, errors.New("redis: missing node address")
	}

	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}

	ttl := cfg.RouteTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{cli: cli, node: node, ttl: ttl}, nil
}

func (s *Store) Close() error { return s.cli.Close() }

// TTL is how long a route survives without a refresh.
func (s *Store) TTL() time.Duration { return s.ttl }

func routeKey(identityKey string) string {
	return keyPrefix + identityKey
}

// SetRoute records that identityKey is connected to this node.
func (s *Store) SetRoute(ctx context.Context, identityKey string) error {
	return s.cli.Set(ctx, routeKey(identityKey), s.node, s.ttl).Err()
}

// DelRoute removes the route only if it still points at this node; another
// node may have taken the identity over since.
func (s *Store) DelRoute(ctx context.Context, identityKey string) error {
	key := routeKey(identityKey)
	v, err := s.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if v != s.node {
		return nil
	}
	return s.cli.Del(ctx, key).Err()
}

// GetRoute returns the node for identityKey, or "" when it is offline.
func (s *Store) GetRoute(ctx context.Context, identityKey string) (string, error) {
	v, err := s.cli.Get(ctx, routeKey(identityKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
