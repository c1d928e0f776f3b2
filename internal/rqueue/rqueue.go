// Package rqueue implements the Redis message flow of the queue engine:
// atomic pending→active leases, retry backoff and dead-lettering. Task
// records themselves live in the shared task store; this package only moves
// raw task envelopes between queue states.
package rqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/DocRelay/docrelay-go/internal/keys"
)

// Envelope is the minimal message carried on the queue. The authoritative
// task record is in the task store; the envelope only holds what a worker
// needs to claim and execute the batch.
type Envelope struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	Retry    int    `json:"retry"`
	MaxRetry int    `json:"max_retry"`
}

// Encode serializes an envelope with stdlib json for stable output.
func (e *Envelope) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Decode parses a raw envelope using sonic.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// dequeueScript atomically moves one envelope from the pending LIST to the
// active ZSET scored with the lease deadline.
var dequeueScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('ZADD', KEYS[2], ARGV[1], v)
return v
`)

// scheduleOneScript atomically moves one due envelope from the delayed ZSET
// back to the pending LIST.
var scheduleOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
if redis.call('ZREM', KEYS[1], m) == 1 then
  redis.call('LPUSH', KEYS[2], m)
  return m
end
return false
`)

// reclaimOneScript atomically returns one expired active envelope to pending,
// so a worker crash mid-task results in re-delivery instead of a lost task.
var reclaimOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
if redis.call('ZREM', KEYS[1], m) == 1 then
  redis.call('LPUSH', KEYS[2], m)
  return m
end
return false
`)

// Push appends an envelope to the pending list.
func Push(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, e *Envelope) error {
	return rdb.LPush(ctx, k.Pending, e.Encode()).Err()
}

// PendingLen returns the number of envelopes awaiting a worker.
func PendingLen(ctx context.Context, rdb redis.UniversalClient, k keys.Queue) (int64, error) {
	return rdb.LLen(ctx, k.Pending).Result()
}

// ActiveLen returns the number of leased envelopes.
func ActiveLen(ctx context.Context, rdb redis.UniversalClient, k keys.Queue) (int64, error) {
	return rdb.ZCard(ctx, k.Active).Result()
}

// Dequeue atomically leases one envelope for ttl and returns it together with
// its raw form, which is needed to ack or retry later. It returns nil when
// the queue is empty.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, ttl time.Duration) (*Envelope, []byte, error) {
	deadline := strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, deadline).Result()
	if err == redis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil, nil
	}
	e, err := Decode(raw)
	if err != nil {
		// Poison message: drop the lease so it does not spin forever.
		_ = rdb.ZRem(ctx, k.Active, raw).Err()
		return nil, nil, err
	}
	return e, raw, nil
}

// Ack removes a leased envelope after the task reached a terminal state.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte) error {
	return rdb.ZRem(ctx, k.Active, raw).Err()
}

// Retry re-enqueues a failed envelope with exponential backoff, or
// dead-letters it when the retry budget is exhausted. It reports whether
// another attempt was scheduled.
func Retry(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, e *Envelope, raw []byte) (bool, error) {
	if e.Retry >= e.MaxRetry {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			p.LPush(ctx, k.Dead, raw)
			return nil
		})
		return false, err
	}

	e.Retry++
	next := time.Now().Add(time.Second * time.Duration(1<<e.Retry)).Unix()
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(next), Member: e.Encode()})
		return nil
	})
	return true, err
}

// ScheduleDue moves up to limit due envelopes from delayed to pending.
func ScheduleDue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, limit int) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	for i := 0; i < limit; i++ {
		res, err := scheduleOneScript.Run(ctx, rdb, []string{k.Delayed, k.Pending}, now).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if res == nil || res == false {
			return nil
		}
	}
	return nil
}

// ReclaimExpired returns up to limit expired active envelopes to pending.
func ReclaimExpired(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, limit int) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	for i := 0; i < limit; i++ {
		res, err := reclaimOneScript.Run(ctx, rdb, []string{k.Active, k.Pending}, now).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if res == nil || res == false {
			return nil
		}
	}
	return nil
}
