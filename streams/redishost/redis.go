package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/showchat-go/streams"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const payloadField = "d"

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SHOWCHAT_STREAM_PREFIX
	KeyPrefix string `env:"SHOWCHAT_STREAM_PREFIX,default=showchat:stream:"`
	// MaxLen approximately bounds each channel stream. Zero disables trimming.
	// ENV: SHOWCHAT_STREAM_MAXLEN
	MaxLen int64 `env:"SHOWCHAT_STREAM_MAXLEN,default=10000"`
	// Block is how long a single XREAD waits before re-checking for cleanup.
	Block time.Duration `env:"SHOWCHAT_STREAM_BLOCK,default=250ms"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. Only the non-address fields of cfg
// are used.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "showchat:stream:"
	}
	block := cfg.Block
	if block <= 0 {
		block = 250 * time.Millisecond
	}
	return &Host{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen, block: block}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redishost: decode environment: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(channel string) string { return h.keyPrefix + "log:" + channel }
func (h *Host) genKey(channel string) string    { return h.keyPrefix + "gen:" + channel }

func (h *Host) Publish(ctx context.Context, channel string, data []byte) (streams.EventID, error) {
	args := &redis.XAddArgs{Stream: h.streamKey(channel), Values: map[string]interface{}{payloadField: data}}
	if h.maxLen > 0 {
		args.MaxLen = h.maxLen
		args.Approx = true
	}
	id, err := h.client.XAdd(ctx, args).Result()
	if err != nil {
		return streams.EventID{}, err
	}
	return streams.ParseEventID(id)
}

func (h *Host) Subscribe(ctx context.Context, channel string, after streams.EventID, handler streams.HandlerFunc) error {
	key := h.streamKey(channel)

	gen, err := h.generation(ctx, channel)
	if err != nil {
		return err
	}

	start := after.String()
	if after.IsZero() {
		start, err = h.tail(ctx, key)
		if err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 100, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				cur, gerr := h.generation(ctx, channel)
				if gerr != nil {
					return gerr
				}
				if cur != gen {
					return nil
				}
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				ev, err := decodeMessage(m)
				if err != nil {
					return err
				}
				start = m.ID
				if err := handler(ctx, ev); err != nil {
					return err
				}
			}
		}
	}
}

func (h *Host) History(ctx context.Context, channel string, q streams.HistoryQuery) (streams.HistoryResult, error) {
	q = q.Normalize()
	end := "+"
	if !q.Before.IsZero() {
		end = "(" + q.Before.String()
	}
	msgs, err := h.client.XRevRangeN(ctx, h.streamKey(channel), end, "-", int64(q.Limit+1)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return streams.HistoryResult{}, nil
		}
		return streams.HistoryResult{}, err
	}
	more := len(msgs) > q.Limit
	if more {
		msgs = msgs[:q.Limit]
	}
	out := make([]streams.Event, len(msgs))
	for i, m := range msgs {
		ev, err := decodeMessage(m)
		if err != nil {
			return streams.HistoryResult{}, err
		}
		out[len(msgs)-1-i] = ev
	}
	return streams.HistoryResult{Events: out, More: more}, nil
}

func (h *Host) Cleanup(ctx context.Context, channel string) error {
	c := context.WithoutCancel(ctx)
	pipe := h.client.TxPipeline()
	pipe.Del(c, h.streamKey(channel))
	pipe.Incr(c, h.genKey(channel))
	_, err := pipe.Exec(c)
	return err
}

// tail returns the newest ID in the stream, or "0-0" when it is empty.
func (h *Host) tail(ctx context.Context, key string) (string, error) {
	msgs, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (h *Host) generation(ctx context.Context, channel string) (int64, error) {
	n, err := h.client.Get(ctx, h.genKey(channel)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func decodeMessage(m redis.XMessage) (streams.Event, error) {
	id, err := streams.ParseEventID(m.ID)
	if err != nil {
		return streams.Event{}, err
	}
	var payload []byte
	switch v := m.Values[payloadField].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		payload = []byte(fmt.Sprintf("%v", v))
	}
	return streams.Event{ID: id, Data: payload}, nil
}

// Interface compliance
var _ streams.Host = (*Host)(nil)
