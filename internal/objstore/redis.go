package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garyburd/redigo/redis"
)

// Redis keeps objects as plain string keys; IfAbsent maps to SET NX.
type Redis struct {
	pool   *redis.Pool
	prefix string
	addr   string
}

// NewRedis dials server lazily through a pool.
func NewRedis(server, password string, db int, prefix string) *Redis {
	return NewRedisFromPool(newPool(server, password, db), server, prefix)
}

// NewRedisFromPool wraps an existing pool.
func NewRedisFromPool(pool *redis.Pool, addr, prefix string) *Redis {
	return &Redis{pool: pool, prefix: prefix, addr: addr}
}

func newPool(server, password string, db int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", server)
			if err != nil {
				return nil, err
			}
			if password != "" {
				if _, err := c.Do("AUTH", password); err != nil {
					c.Close()
					return nil, err
				}
			}
			if _, err := c.Do("SELECT", db); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

func (r *Redis) key(path string) string {
	if r.prefix == "" {
		return "obj:" + path
	}
	return strings.Join([]string{r.prefix, "obj", path}, ":")
}

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := r.pool.Get()
	defer c.Close()
	b, err := redis.Bytes(c.Do("GET", r.key(path)))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: redis get %s: %w", path, err)
	}
	return b, nil
}

func (r *Redis) Put(ctx context.Context, path string, data []byte, opts PutOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c := r.pool.Get()
	defer c.Close()
	args := redis.Args{}.Add(r.key(path), data)
	if opts.IfAbsent {
		args = args.Add("NX")
	}
	reply, err := c.Do("SET", args...)
	if err != nil {
		return false, fmt.Errorf("objstore: redis set %s: %w", path, err)
	}
	// SET NX replies nil when the key already exists.
	return reply != nil, nil
}

func (r *Redis) URI(path string) string { return "redis://" + r.addr + "/" + r.key(path) }

// Close releases pooled connections.
func (r *Redis) Close() error { return r.pool.Close() }
