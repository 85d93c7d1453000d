package input

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/avasite/internal/types"
)

const DefaultRedisKey = "avasite:targets"

func init() {
	Register("redis", func(source string) (Reader, error) {
		addr, key := ParseRedisSource(source)
		return NewRedisList(context.Background(), addr, key)
	})
}

// ParseRedisSource splits "<addr>/<key>". Without a key DefaultRedisKey is used.
func ParseRedisSource(source string) (addr, key string) {
	addr, key = source, DefaultRedisKey
	if i := strings.LastIndex(source, "/"); i >= 0 {
		addr = source[:i]
		if k := source[i+1:]; k != "" {
			key = k
		}
	}
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return addr, key
}

// RedisList is a Redis list of JSON target documents. Reading does not
// consume the list, so every run sees the same targets.
type RedisList struct {
	cli *redis.Client
	key string
}

func NewRedisList(ctx context.Context, addr, key string) (*RedisList, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return &RedisList{cli: cli, key: key}, nil
}

func (l *RedisList) Read(ctx context.Context) ([]Row, error) {
	items, err := l.cli.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", l.key, err)
	}
	rows := make([]Row, 0, len(items))
	for idx, it := range items {
		rows = append(rows, jsonRow(idx, []byte(it)))
	}
	return rows, nil
}

// Push appends t to the list in the format Read expects.
func (l *RedisList) Push(ctx context.Context, t types.Target) error {
	if t.Ports == nil {
		t.Ports = []uint16{}
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return l.cli.RPush(ctx, l.key, string(b)).Err()
}

// Reset drops the list.
func (l *RedisList) Reset(ctx context.Context) error {
	return l.cli.Del(ctx, l.key).Err()
}

func (l *RedisList) Close() error {
	return l.cli.Close()
}
