// Package redis implements a Redis pub/sub dispatcher.
//
// Publishes task events to a configurable Redis channel.
// Retries with exponential backoff on connection errors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/splice/dispatch"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "splice:task_assembled"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultBackoff is the delay before the first retry.
const DefaultBackoff = 500 * time.Millisecond

// Config configures the Redis pub/sub dispatcher.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: splice:task_assembled).
	Channel string
	// Encoding is the message format (default json).
	Encoding dispatch.Encoding
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
	// Backoff is the delay before the first retry (default 500ms).
	Backoff time.Duration
}

// Dispatcher publishes task events via Redis PUBLISH.
type Dispatcher struct {
	config Config
	client *goredis.Client
}

// New creates a Redis pub/sub dispatcher from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis dispatcher requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis dispatcher: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Encoding == "" {
		cfg.Encoding = dispatch.EncodingJSON
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Dispatcher{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event to the configured channel.
// Retries with exponential backoff on failures.
func (d *Dispatcher) Publish(ctx context.Context, event *dispatch.TaskEvent) error {
	body, err := d.config.Encoding.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + d.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(dispatch.Backoff(i, d.config.Backoff)):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		lastErr = d.client.Publish(publishCtx, d.config.Channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Close releases dispatcher resources.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)
