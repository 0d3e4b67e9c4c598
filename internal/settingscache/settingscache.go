// Package settingscache puts a shared Redis read-through cache in front of
// the per-user trade settings so several executor instances agree on them.
package settingscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-executor/internal/execution"
	"trade-executor/pkg/db"
)

// Client is the subset of *redis.Client used here.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store implements execution.SettingsStore. Redis errors degrade to the
// inner store; they never fail a load.
type Store struct {
	inner  execution.SettingsStore
	client Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

func New(inner execution.SettingsStore, client Client, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Store{
		inner:  inner,
		client: client,
		ttl:    ttl,
		prefix: "executor:settings:",
		log:    log.With().Str("component", "settingscache").Logger(),
	}
}

// NewClient dials Redis and pings it.
func NewClient(ctx context.Context, addr, password string, database int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       database,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *Store) key(userID string) string { return s.prefix + userID }

func (s *Store) LoadUserTradeSettings(ctx context.Context, userID string) (db.UserTradeSettings, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	switch {
	case err == nil:
		var out db.UserTradeSettings
		if jerr := json.Unmarshal(data, &out); jerr == nil {
			return out, nil
		}
		s.log.Warn().Str("user_id", userID).Msg("discarding undecodable cached settings")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("user_id", userID).Msg("redis get failed; reading through")
	}

	settings, err := s.inner.LoadUserTradeSettings(ctx, userID)
	if err != nil {
		return db.UserTradeSettings{}, err
	}
	if b, jerr := json.Marshal(settings); jerr == nil {
		if serr := s.client.Set(ctx, s.key(userID), b, s.ttl).Err(); serr != nil {
			s.log.Warn().Err(serr).Str("user_id", userID).Msg("redis set failed")
		}
	}
	return settings, nil
}

// Invalidate drops the cached copy after a settings write.
func (s *Store) Invalidate(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}
