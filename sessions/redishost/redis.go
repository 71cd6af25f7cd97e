package redishost

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/streamplane/mcpd/sessions"
)

// Config for the Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// Retention bounds the per-session event stream length. ENV: SESSIONS_STREAM_RETENTION
	Retention int64 `env:"SESSIONS_STREAM_RETENTION,default=1024"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	retention int64
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 1024
	}
	return &Host{client: cl, keyPrefix: prefix, retention: retention}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// Ping verifies connectivity to the Redis server.
func (h *Host) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// --- Key helpers ---

func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }
func (h *Host) dataKey(sessionID string) string   { return h.keyPrefix + "data:" + sessionID }
func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

// keyTTL pads the stored key lifetime past the logical expiry so the sweep,
// not Redis eviction, is the primary removal path.
func keyTTL(meta *sessions.SessionMetadata) time.Duration {
	if meta.TTL <= 0 {
		return 0
	}
	return meta.TTL + 5*time.Minute
}

// --- Metadata lifecycle ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal session metadata")
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.SessionID), raw, keyTTL(meta)).Result()
	if err != nil {
		return errors.Wrap(err, "store session metadata")
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	raw, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "load session metadata")
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrap(err, "decode session metadata")
	}
	return &meta, nil
}

// MutateSession applies fn under optimistic concurrency: the key is WATCHed
// and the write retried on conflict.
func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata) error) error {
	key := h.metaKey(sessionID)
	for attempt := 0; attempt < 8; attempt++ {
		err := h.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return sessions.ErrSessionNotFound
				}
				return err
			}
			var meta sessions.SessionMetadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				return errors.Wrap(err, "decode session metadata")
			}
			if err := fn(&meta); err != nil {
				return err
			}
			meta.UpdatedAt = time.Now().UTC()
			next, err := json.Marshal(&meta)
			if err != nil {
				return errors.Wrap(err, "marshal session metadata")
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, keyTTL(&meta))
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return errors.New("session mutate contention exhausted retries")
}

func (h *Host) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	return h.MutateSession(ctx, sessionID, func(meta *sessions.SessionMetadata) error {
		if now.After(meta.LastAccess) {
			meta.LastAccess = now
		}
		return nil
	})
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	_ = h.CleanupSession(c, sessionID)
	n, err := h.client.Del(c, h.metaKey(sessionID)).Result()
	if err != nil {
		return errors.Wrap(err, "delete session metadata")
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// SweepExpired scans metadata keys and removes lapsed sessions. The delete
// runs under WATCH so a touch that lands between the scan and the delete
// aborts the removal.
func (h *Host) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	var removed []string
	var cursor uint64
	pattern := h.keyPrefix + "meta:*"
	for {
		keys, next, err := h.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, errors.Wrap(err, "scan session metadata")
		}
		for _, key := range keys {
			sessionID := strings.TrimPrefix(key, h.keyPrefix+"meta:")
			ok, err := h.removeIfExpired(ctx, sessionID, now)
			if err != nil {
				continue
			}
			if ok {
				removed = append(removed, sessionID)
			}
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (h *Host) removeIfExpired(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	key := h.metaKey(sessionID)
	expired := false
	err := h.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}
		var meta sessions.SessionMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		if !meta.ExpiredAt(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, h.dataKey(sessionID), h.streamKey(sessionID))
			return nil
		})
		if err == nil {
			expired = true
		}
		return err
	}, key)
	if err == redis.TxFailedErr {
		// Lost the race against a touch; the session lives on.
		return false, nil
	}
	return expired, err
}

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		MaxLen: h.retention,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "publish session event")
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if !validStreamCursor(start) {
		// A malformed cursor resumes from the present, same as no cursor.
		start = "$"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: 500 * time.Millisecond}).Result()
		if err != nil {
			if err == redis.Nil {
				// Idle poll. The session may have been terminated on
				// another node, which deletes the metadata key.
				exists, eerr := h.client.Exists(ctx, h.metaKey(sessionID)).Result()
				if eerr == nil && exists == 0 {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read session stream")
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				continue
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	_, err := h.client.Del(c, h.streamKey(sessionID), h.dataKey(sessionID)).Result()
	if err != nil {
		return errors.Wrap(err, "cleanup session keys")
	}
	return nil
}

// --- KV storage ---

func (h *Host) PutSessionData(ctx context.Context, sessionID, key string, value []byte) error {
	if err := h.client.HSet(ctx, h.dataKey(sessionID), key, value).Err(); err != nil {
		return errors.Wrap(err, "put session data")
	}
	return nil
}

func (h *Host) GetSessionData(ctx context.Context, sessionID, key string) ([]byte, error) {
	v, err := h.client.HGet(ctx, h.dataKey(sessionID), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get session data")
	}
	return v, nil
}

func (h *Host) DeleteSessionData(ctx context.Context, sessionID, key string) error {
	if err := h.client.HDel(ctx, h.dataKey(sessionID), key).Err(); err != nil {
		return errors.Wrap(err, "delete session data")
	}
	return nil
}

func (h *Host) ListSessionData(ctx context.Context, sessionID, prefix string) ([]string, error) {
	keys, err := h.client.HKeys(ctx, h.dataKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list session data")
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// validStreamCursor reports whether s is a usable XREAD cursor: "ms-seq" or a
// bare millisecond value, both unsigned decimal.
func validStreamCursor(s string) bool {
	if s == "" {
		return false
	}
	ms, seq, dashed := strings.Cut(s, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if dashed {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return false
		}
	}
	return true
}

// Interface compliance
var _ sessions.SessionHost = (*Host)(nil)
