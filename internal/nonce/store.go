// Package nonce はOAuthのstateパラメータに使う一回限りのノンスをRedisで管理する。
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "auth:state:"
	// DefaultTTL はノンスの既定の有効期間。
	DefaultTTL = 10 * time.Minute
	nonceBytes = 32
)

// Store はノンスの発行と消費を行う。
// 消費はDELの戻り値で判定するため、同じノンスを消費できるのは1回だけ。
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStore はStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewStore(client redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func key(namespace, nonce string) string {
	return keyPrefix + namespace + ":" + nonce
}

// Issue は新しいノンスを生成し、namespace配下にTTL付きで保存する。
func (s *Store) Issue(ctx context.Context, namespace string) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	n := base64.RawURLEncoding.EncodeToString(buf)

	ok, err := s.client.SetNX(ctx, key(namespace, n), "1", s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	if !ok {
		return "", errors.New("nonce collision")
	}
	return n, nil
}

// Consume はノンスが存在すれば削除してtrueを返す。
// 未発行・期限切れ・消費済みの場合はfalseを返す。
func (s *Store) Consume(ctx context.Context, namespace, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	deleted, err := s.client.Del(ctx, key(namespace, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return deleted == 1, nil
}

// Connect はURLまたはhost:portからRedisクライアントを生成し、疎通を確認する。
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
