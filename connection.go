package jobcoord

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Connections owns the two long-lived Redis client handles shared by every
// queue and worker in one process: a main command client and a dedicated
// subscriber client. Both are created lazily on first use and torn down once
// at shutdown; the go-redis client multiplexes commands so concurrent use
// within the process is safe.
type Connections struct {
	opts *redis.Options
	log  Logger

	mu     sync.Mutex
	main   *redis.Client
	sub    *redis.Client
	closed bool
}

// NewConnections parses the Redis URL and prepares the connection pair
// without dialing.
func NewConnections(url string, log Logger) (*Connections, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("jobcoord: parse redis url: %w", err)
	}
	if log == nil {
		log = NopLogger{}
	}
	return &Connections{opts: opts, log: log}, nil
}

// Main returns the shared command client, creating it on first call.
func (c *Connections) Main() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.main == nil {
		c.main = redis.NewClient(c.opts)
		c.log.Debugf("connections: main client created addr=%s", c.opts.Addr)
	}
	return c.main
}

// Subscriber returns the dedicated pub/sub client, creating it on first call.
func (c *Connections) Subscriber() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		c.sub = redis.NewClient(c.opts)
		c.log.Debugf("connections: subscriber client created addr=%s", c.opts.Addr)
	}
	return c.sub
}

// Ping health-checks every client created so far.
func (c *Connections) Ping(ctx context.Context) error {
	c.mu.Lock()
	clients := []*redis.Client{c.main, c.sub}
	c.mu.Unlock()
	for _, cl := range clients {
		if cl == nil {
			continue
		}
		if err := cl.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("jobcoord: redis ping: %w", err)
		}
	}
	return nil
}

// Close tears down both clients. Safe to call more than once.
func (c *Connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	for _, cl := range []*redis.Client{c.main, c.sub} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.main, c.sub = nil, nil
	return first
}
