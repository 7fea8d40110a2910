// Package redisjournal implements journal.Journal on Redis Streams so the
// lifecycle history of sessions survives node restarts and can be inspected
// from other processes.
//
// Each session gets its own stream (XADD with approximate MAXLEN trimming);
// the stream key expires TTL after the last write.
package redisjournal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/smc"
)

// Config for the Redis-backed journal. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SMC_JOURNAL_KEY_PREFIX
	KeyPrefix string `env:"SMC_JOURNAL_KEY_PREFIX,default=smc:journal:"`
	// TTL of a session's history after its last event. ENV: SMC_JOURNAL_TTL
	TTL time.Duration `env:"SMC_JOURNAL_TTL,default=24h"`
	// MaxLen approximately bounds each session stream.
	MaxLen int64 `env:"SMC_JOURNAL_MAXLEN,default=1000"`
}

// Journal is a Redis Streams journal.
type Journal struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Journal, error) {
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

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(cl *redis.Client, cfg Config) *Journal {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "smc:journal:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Journal{client: cl, keyPrefix: prefix, ttl: ttl, maxLen: maxLen}
}

// NewFromEnv builds a Journal using envdecode to populate Config.
func NewFromEnv() (*Journal, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisjournal: decode env: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (j *Journal) Close() error { return j.client.Close() }

func (j *Journal) streamKey(sessionID string) string { return j.keyPrefix + "stream:" + sessionID }

// Stream field names.
const (
	fieldType    = "t"
	fieldCommand = "c"
	fieldStatus  = "s"
	fieldPhase   = "p"
	fieldMessage = "m"
	fieldAt      = "at"
)

func (j *Journal) Append(ctx context.Context, ev journal.Event) (string, error) {
	if err := journal.Validate(ev); err != nil {
		return "", err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	key := j.streamKey(ev.Session)
	var add *redis.StringCmd
	_, err := j.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: j.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				fieldType:    string(ev.Type),
				fieldCommand: ev.Command,
				fieldStatus:  string(ev.Status),
				fieldPhase:   ev.Phase,
				fieldMessage: ev.Message,
				fieldAt:      strconv.FormatInt(ev.At.UnixNano(), 10),
			},
		})
		p.Expire(ctx, key, j.ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return add.Val(), nil
}

func (j *Journal) Events(ctx context.Context, sessionID string) ([]journal.Event, error) {
	msgs, err := j.client.XRange(ctx, j.streamKey(sessionID), "-", "+").Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]journal.Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decode(sessionID, m))
	}
	return out, nil
}

func (j *Journal) Forget(ctx context.Context, sessionID string) error {
	return j.client.Del(ctx, j.streamKey(sessionID)).Err()
}

func decode(sessionID string, m redis.XMessage) journal.Event {
	ev := journal.Event{
		ID:      m.ID,
		Session: sessionID,
		Type:    journal.EventType(str(m.Values[fieldType])),
		Command: str(m.Values[fieldCommand]),
		Status:  smc.Status(str(m.Values[fieldStatus])),
		Phase:   str(m.Values[fieldPhase]),
		Message: str(m.Values[fieldMessage]),
	}
	if ns, err := strconv.ParseInt(str(m.Values[fieldAt]), 10, 64); err == nil {
		ev.At = time.Unix(0, ns).UTC()
	}
	return ev
}

// str accepts string or []byte stream values.
func str(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Interface compliance
var _ journal.Journal = (*Journal)(nil)
