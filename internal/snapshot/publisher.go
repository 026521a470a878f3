package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/toolbench/internal/bench"
)

var ErrNoSnapshot = errors.New("no snapshot published")

// Client is the subset of *redis.Client the publisher needs.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher mirrors the table into Redis: the latest snapshot is kept under
// key and every change is also published on key + ":events".
type Publisher struct {
	rdb    Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewPublisher(rdb Client, key string, ttl time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, key: key, ttl: ttl, logger: logger}
}

func (p *Publisher) Channel() string { return p.key + ":events" }

func (p *Publisher) Publish(ctx context.Context, s *bench.Snapshot) error {
	if err := p.rdb.Set(ctx, p.key, s, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(), s).Err(); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

func (p *Publisher) Latest(ctx context.Context) (*bench.Snapshot, error) {
	var s bench.Snapshot
	err := p.rdb.Get(ctx, p.key).Scan(&s)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &s, nil
}

// Start runs Run in its own goroutine. The returned channel is closed once
// Run has returned, after every snapshot still buffered in updates has been
// published.
func (p *Publisher) Start(ctx context.Context, updates <-chan bench.Snapshot) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, updates)
	}()
	return done
}

// Run publishes every snapshot received from updates until the channel is
// closed or ctx is done.
func (p *Publisher) Run(ctx context.Context, updates <-chan bench.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := p.Publish(ctx, &s); err != nil {
				p.logger.Warn("snapshot publish failed", "error", err)
			}
		}
	}
}
