package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"paperchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

const pingTimeout = 3 * time.Second

// Client is a connected go-redis client together with the address it dialled.
type Client struct {
	rdb  *redis.Client
	addr string
}

// NewRedisClient connects to the server in cfg.Redis and pings it.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("redis: config required")
	}
	rc := cfg.Redis
	host, port := rc.Host, rc.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 6379
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Client{rdb: rdb, addr: addr}, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
