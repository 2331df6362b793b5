package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
)

// ErrNoSession is returned by a Store that holds no session.
var ErrNoSession = errors.New("no stored session")

// Store persists the session cookie between runs.
type Store interface {
	Load(ctx context.Context) (models.Session, error)
	Save(ctx context.Context, s models.Session) error
}

// FileStore keeps the session as JSON in a file readable only by its owner.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(_ context.Context) (models.Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Session{}, ErrNoSession
		}
		return models.Session{}, fmt.Errorf("read session file: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return models.Session{}, fmt.Errorf("decode session file: %w", err)
	}
	return s, nil
}

func (f *FileStore) Save(_ context.Context, s models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// RedisStore keeps the session under one key that expires with the session.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore returns a store writing to key with the given expiry.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// NewRedisClient connects to the Redis server named in cfg and pings it.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pong, err := rdb.Ping(ctx).Result()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	slog.Debug("redis connected", slog.String("addr", cfg.RedisAddr), slog.String("pong", pong))
	return rdb, nil
}

func (r *RedisStore) Load(ctx context.Context) (models.Session, error) {
	res, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Session{}, ErrNoSession
		}
		return models.Session{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(res), &s); err != nil {
		return models.Session{}, fmt.Errorf("decode session from redis: %w", err)
	}
	return s, nil
}

// Save stores a valid session and removes the key for an invalid one.
func (r *RedisStore) Save(ctx context.Context, s models.Session) error {
	if !s.Usable() {
		if err := r.client.Del(ctx, r.key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", r.key, err)
		}
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
