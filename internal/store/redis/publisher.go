// Package redis fans engine events out to Redis for out-of-process
// consumers and keeps a copy of the latest engine snapshot.
//
// Every event is PUBLISHed on "<prefix>:pub:<kind>". Signals and trades are
// also appended to capped streams, and LTP and candle events refresh a
// per-token "latest" key with a TTL.
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"optiontrader/internal/model"
)

const (
	defaultPrefix       = "ot"
	defaultStreamMaxLen = 10000
	defaultLatestTTL    = 30 * time.Minute
	snapshotTTL         = 24 * time.Hour
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr         string // Redis address, e.g. "localhost:6379"
	Password     string
	DB           int
	Prefix       string // key prefix, default "ot"
	StreamMaxLen int64  // approximate cap of the signal and trade streams
}

// Publisher writes engine events and snapshots to Redis.
type Publisher struct {
	client *goredis.Client
	keys   keys
	maxLen int64
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return newPublisher(client, cfg), nil
}

func newPublisher(client *goredis.Client, cfg PublisherConfig) *Publisher {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	return &Publisher{client: client, keys: keys{prefix: cfg.Prefix}, maxLen: cfg.StreamMaxLen}
}

// keys builds every Redis key and channel name.
type keys struct {
	prefix string
}

// Channel is the pubsub channel for kind.
func (k keys) Channel(kind model.EventKind) string {
	return k.prefix + ":pub:" + string(kind)
}

// Pattern matches every event channel.
func (k keys) Pattern() string {
	return k.prefix + ":pub:*"
}

// Stream is the capped stream for kind.
func (k keys) Stream(kind model.EventKind) string {
	return k.prefix + ":stream:" + string(kind)
}

// Latest is the per-token latest value key for kind.
func (k keys) Latest(kind model.EventKind, token uint32) string {
	return k.prefix + ":latest:" + string(kind) + ":" + strconv.FormatUint(uint64(token), 10)
}

// Snapshot is the engine snapshot key.
func (k keys) Snapshot() string {
	return k.prefix + ":snapshot:engine"
}

// Publish implements model.EventSink with one pipelined round trip.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	data := string(ev.JSON())

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.keys.Channel(ev.Kind), data)
	switch ev.Kind {
	case model.EventSignal, model.EventTrade:
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.keys.Stream(ev.Kind),
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
	case model.EventLTP, model.EventCandleClosed:
		if ev.Token != 0 {
			pipe.Set(ctx, p.keys.Latest(ev.Kind, ev.Token), data, defaultLatestTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Kind, err)
	}
	return nil
}

// SaveSnapshotJSON implements model.SnapshotStore. SQLite keeps the
// durable copy, so the Redis key expires.
func (p *Publisher) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if err := p.client.Set(ctx, p.keys.Snapshot(), string(data), snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

// ReadLatestSnapshotJSON implements model.SnapshotStore.
func (p *Publisher) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	data, err := p.client.Get(ctx, p.keys.Snapshot()).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	return data, nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
