package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyTypeSan   = "san"
	keyTypeIdp   = "idp"
	keyTypeClaim = "idp_uri"

	DefaultRedisKeyPrefix = "udapgw:"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addrs       []string      `yaml:"addrs"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisStore keeps registries in Redis as JSON values. Conditional puts
// use SETNX so concurrent gateways cannot overwrite each other.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: at least one address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. Tests use it with
// miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

func (s *RedisStore) GetIdpMapping(ctx context.Context, idpID string) (*IdpMapping, error) {
	var m IdpMapping
	if err := s.get(ctx, s.key(keyTypeIdp, idpID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) PutIdpMapping(ctx context.Context, mapping IdpMapping) error {
	if mapping.IdpID == "" {
		return errors.New("store: idp id required")
	}
	return s.putIfAbsent(ctx, s.key(keyTypeIdp, mapping.IdpID), mapping)
}

func (s *RedisStore) GetSanEntry(ctx context.Context, san string) (*SanEntry, error) {
	var e SanEntry
	if err := s.get(ctx, s.key(keyTypeSan, san), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) PutSanEntry(ctx context.Context, entry SanEntry) error {
	if entry.SAN == "" {
		return errors.New("store: san required")
	}
	return s.putIfAbsent(ctx, s.key(keyTypeSan, entry.SAN), entry)
}

func (s *RedisStore) DeleteSanEntry(ctx context.Context, san string) error {
	if err := s.client.Del(ctx, s.key(keyTypeSan, san)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// ClaimIdpURI writes a pending claim with SET NX and a TTL ending at
// ExpiresAt, so a crashed owner's claim lapses on its own.
func (s *RedisStore) ClaimIdpURI(ctx context.Context, claim IdpClaim) error {
	if claim.IdpURI == "" || claim.Owner == "" {
		return errors.New("store: idp uri and owner required")
	}
	var ttl time.Duration
	if !claim.ExpiresAt.IsZero() {
		ttl = time.Until(claim.ExpiresAt)
		if ttl <= 0 {
			return errors.New("store: claim already expired")
		}
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(keyTypeClaim, claim.IdpURI), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) GetIdpClaim(ctx context.Context, idpURI string) (*IdpClaim, error) {
	var c IdpClaim
	if err := s.get(ctx, s.key(keyTypeClaim, idpURI), &c); err != nil {
		return nil, err
	}
	if c.lapsed(time.Now()) {
		return nil, ErrNotFound
	}
	return &c, nil
}

// CompleteIdpClaim rewrites the claim without a TTL.
func (s *RedisStore) CompleteIdpClaim(ctx context.Context, idpURI, owner, idpID string) error {
	key := s.key(keyTypeClaim, idpURI)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		c, err := s.ownedClaim(ctx, tx, key, owner)
		if err != nil {
			return err
		}
		c.IdpID = idpID
		c.ExpiresAt = time.Time{}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode claim: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ReleaseIdpClaim(ctx context.Context, idpURI, owner string) error {
	key := s.key(keyTypeClaim, idpURI)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		c, err := s.ownedClaim(ctx, tx, key, owner)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !c.Pending() {
			return ErrNotOwner
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ownedClaim(ctx context.Context, tx *redis.Tx, key, owner string) (*IdpClaim, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var c IdpClaim
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if c.Owner != owner {
		return nil, ErrNotOwner
	}
	return &c, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) get(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) putIfAbsent(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}
