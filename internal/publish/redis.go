package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"heroinit/internal/domain"

	backend "github.com/redis/go-redis/v9"
)

// Publisher receives a snapshot after every state change.
type Publisher interface {
	Publish(ctx context.Context, status domain.Status) error
}

// RedisPublisher fans snapshots out over a pub/sub channel and keeps the
// latest one under a plain key for late joiners.
type RedisPublisher struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*RedisPublisher)

// WithPrefix sets the key and channel prefix.
func WithPrefix(prefix string) Option {
	return func(p *RedisPublisher) {
		p.prefix = prefix
	}
}

// WithTTL expires the latest-snapshot key.
func WithTTL(ttl time.Duration) Option {
	return func(p *RedisPublisher) {
		p.ttl = ttl
	}
}

// NewRedis connects to addr.
func NewRedis(addr string, opts ...Option) *RedisPublisher {
	return NewFromClient(backend.NewClient(&backend.Options{Addr: addr}), opts...)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *RedisPublisher {
	p := &RedisPublisher{client: client, prefix: "heroinit:"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel is the pub/sub channel snapshots are sent on.
func (p *RedisPublisher) Channel() string {
	return p.prefix + "status"
}

func (p *RedisPublisher) latestKey() string {
	return p.prefix + "status:latest"
}

func (p *RedisPublisher) Publish(ctx context.Context, status domain.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.latestKey(), data, p.ttl)
	pipe.Publish(ctx, p.Channel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Latest returns the most recently published snapshot.
func (p *RedisPublisher) Latest(ctx context.Context) (domain.Status, error) {
	var status domain.Status
	data, err := p.client.Get(ctx, p.latestKey()).Bytes()
	if err != nil {
		return status, fmt.Errorf("read latest status: %w", err)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("decode latest status: %w", err)
	}
	return status, nil
}

// Subscribe streams snapshots until ctx is done. Undecodable messages are
// dropped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan domain.Status, error) {
	sub := p.client.Subscribe(ctx, p.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.Channel(), err)
	}
	out := make(chan domain.Status)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var status domain.Status
				if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
					continue
				}
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
