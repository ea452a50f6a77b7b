package telemetry

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vaheed/resource-dispatcher/internal/logging"
)

// StreamKey is the Redis list holding the event stream.
const StreamKey = "resource-dispatcher:events"

// RedisStream keeps a capped event list in Redis so several replicas and
// the status API share one history.
type RedisStream struct {
	rdb *redis.Client
	key string
	cap int64
}

// NewRedisStream connects to addr. The list is trimmed to capacity entries.
func NewRedisStream(addr string, capacity int) *RedisStream {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RedisStream{rdb: redis.NewClient(&redis.Options{Addr: addr}), key: StreamKey, cap: int64(capacity)}
}

// Ping checks the connection.
func (r *RedisStream) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStream) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.key, raw)
	pipe.LTrim(ctx, r.key, -r.cap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.L.Warn("telemetry.push_failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (r *RedisStream) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		n = int(r.cap)
	}
	raws, err := r.rdb.LRange(ctx, r.key, int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases the connection.
func (r *RedisStream) Close() error { return r.rdb.Close() }
