package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/veltapay/settlement-service/internal/domain"
)

// sessionExpiryMargin is how much validity a cached session must have left to
// be worth reusing for a full withdrawal attempt (submit + poll).
const sessionExpiryMargin = 60 * time.Second

// SessionCache stores provider sessions per (provider, environment) for their
// validity window, saving a token exchange per withdrawal. Caching is an
// optimization, not a correctness requirement: every implementation must be
// safe to skip.
type SessionCache interface {
	Get(ctx context.Context, provider, environment string) (*domain.ProviderSession, bool)
	Put(ctx context.Context, provider, environment string, session *domain.ProviderSession)
}

// RedisSessionCache implements SessionCache on Redis so the token survives
// across service replicas. Failures degrade to a fresh token exchange.
type RedisSessionCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionCache(client redis.UniversalClient, prefix string) *RedisSessionCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "veltapay:provider_session"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisSessionCache{client: client, prefix: trimmedPrefix}
}

type cachedSession struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (c *RedisSessionCache) key(provider, environment string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, strings.TrimSpace(provider), strings.TrimSpace(environment))
}

func (c *RedisSessionCache) Get(ctx context.Context, provider, environment string) (*domain.ProviderSession, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, c.key(provider, environment)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("level=warn component=session_cache op=get provider=%s env=%s err=%v", provider, environment, err)
		}
		return nil, false
	}

	var cached cachedSession
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, false
	}

	session := &domain.ProviderSession{
		AccessToken: cached.AccessToken,
		TokenType:   cached.TokenType,
		ExpiresAt:   cached.ExpiresAt,
	}
	if !session.Valid(time.Now().UTC(), sessionExpiryMargin) {
		return nil, false
	}
	return session, true
}

func (c *RedisSessionCache) Put(ctx context.Context, provider, environment string, session *domain.ProviderSession) {
	if c == nil || c.client == nil || session == nil {
		return
	}

	ttl := time.Until(session.ExpiresAt) - sessionExpiryMargin
	if ttl <= 0 {
		return
	}

	payload, err := json.Marshal(cachedSession{
		AccessToken: session.AccessToken,
		TokenType:   session.TokenType,
		ExpiresAt:   session.ExpiresAt,
	})
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.key(provider, environment), payload, ttl).Err(); err != nil {
		log.Printf("level=warn component=session_cache op=put provider=%s env=%s err=%v", provider, environment, err)
	}
}
