package stats

import (
	"context"
	"strconv"
	"sync"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix    = "miner"
	DefaultRedisBuffer    = 10_000
	redisSubmissionsLimit = 100
)

type redisOperation struct {
	Type  string
	Key   string
	Field string
	Value any
	TTL   time.Duration
}

// RedisSink mirrors snapshots and submission results into Redis. Writes made while
// Redis is unreachable are buffered, oldest dropped first, and flushed on recovery.
type RedisSink struct {
	client   *redis.Client
	prefix   string
	counters *Counters
	retry    utils.RetryConfig

	bufferLock sync.Mutex
	buffer     []redisOperation
	maxBuffer  int

	healthLock sync.RWMutex
	healthy    bool
}

func NewRedisClient(address string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         address,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
	})
}

func NewRedisSink(client *redis.Client, prefix string, counters *Counters, maxBuffer int) *RedisSink {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if maxBuffer <= 0 {
		maxBuffer = DefaultRedisBuffer
	}
	return &RedisSink{
		client:    client,
		prefix:    prefix,
		counters:  counters,
		retry:     utils.RetryConfig{MaxRetries: 2, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 2},
		buffer:    make([]redisOperation, 0, min(maxBuffer, 1024)),
		maxBuffer: maxBuffer,
	}
}

func (r *RedisSink) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisSink) setHealth(healthy bool) {
	r.healthLock.Lock()
	defer r.healthLock.Unlock()
	if r.healthy != healthy {
		r.healthy = healthy
		if healthy {
			utils.Logf("STATS", "Redis connection restored")
		} else {
			utils.Errorf("STATS", "Redis connection lost")
		}
	}
}

func (r *RedisSink) Healthy() bool {
	r.healthLock.RLock()
	defer r.healthLock.RUnlock()
	return r.healthy
}

func (r *RedisSink) addToBuffer(ops ...redisOperation) {
	r.bufferLock.Lock()
	defer r.bufferLock.Unlock()
	for _, op := range ops {
		if len(r.buffer) >= r.maxBuffer {
			r.buffer = r.buffer[1:]
		}
		r.buffer = append(r.buffer, op)
	}
}

// Buffered is the number of operations waiting for Redis.
func (r *RedisSink) Buffered() int {
	r.bufferLock.Lock()
	defer r.bufferLock.Unlock()
	return len(r.buffer)
}

// Submission queues a result, it can be chained from report.Options.OnResult.
func (r *RedisSink) Submission(result report.Result) {
	buf, err := utils.MarshalJSON(result)
	if err != nil {
		return
	}
	r.addToBuffer(
		redisOperation{Type: "lpush", Key: r.key("submissions"), Value: string(buf)},
		redisOperation{Type: "ltrim", Key: r.key("submissions"), Value: []int64{0, redisSubmissionsLimit - 1}},
		redisOperation{Type: "incr", Key: r.key("submissions", result.Outcome.String())},
	)
}

func (r *RedisSink) snapshotOperations(s Snapshot) []redisOperation {
	ops := make([]redisOperation, 0, len(s.Workers)+4)
	if buf, err := utils.MarshalJSON(s); err == nil {
		ops = append(ops, redisOperation{Type: "set", Key: r.key("stats"), Value: string(buf), TTL: 5 * time.Minute})
	}
	ops = append(ops,
		redisOperation{Type: "set", Key: r.key("stats", "hashes"), Value: strconv.FormatUint(s.Hashes, 10)},
		redisOperation{Type: "set", Key: r.key("stats", "generation"), Value: strconv.FormatUint(s.Generation, 10)},
	)
	for _, w := range s.Workers {
		ops = append(ops, redisOperation{Type: "hset", Key: r.key("workers"), Field: w.Name, Value: strconv.FormatUint(w.Hashes, 10)})
	}
	return ops
}

func (r *RedisSink) exec(ctx context.Context, op redisOperation) error {
	switch op.Type {
	case "set":
		return r.client.Set(ctx, op.Key, op.Value, op.TTL).Err()
	case "incr":
		return r.client.Incr(ctx, op.Key).Err()
	case "hset":
		return r.client.HSet(ctx, op.Key, op.Field, op.Value).Err()
	case "lpush":
		return r.client.LPush(ctx, op.Key, op.Value).Err()
	case "ltrim":
		bounds := op.Value.([]int64)
		return r.client.LTrim(ctx, op.Key, bounds[0], bounds[1]).Err()
	}
	return nil
}

// Flush writes the current snapshot and everything buffered.
func (r *RedisSink) Flush(ctx context.Context) {
	r.addToBuffer(r.snapshotOperations(r.counters.Snapshot())...)

	err := utils.RetryWithBackoff(ctx, r.retry, "redis ping", func() error {
		return r.client.Ping(ctx).Err()
	})
	if err != nil {
		r.setHealth(false)
		return
	}
	r.setHealth(true)

	r.bufferLock.Lock()
	ops := r.buffer
	r.buffer = make([]redisOperation, 0, cap(ops))
	r.bufferLock.Unlock()

	var failed []redisOperation
	for i, op := range ops {
		if err := r.exec(ctx, op); err != nil {
			utils.Errorf("STATS", "Failed to flush %s operation for key %s: %s", op.Type, op.Key, err)
			r.setHealth(false)
			failed = ops[i:]
			break
		}
	}
	if len(failed) > 0 {
		r.addToBuffer(failed...)
	}
}

// Run flushes every interval until ctx ends, then makes a final attempt.
func (r *RedisSink) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(flushCtx)
			cancel()
			if n := r.Buffered(); n > 0 {
				utils.Errorf("STATS", "Shutting down with %d unflushed redis operations", n)
			}
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
