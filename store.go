package docrelay

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	ikeys "github.com/DocRelay/docrelay-go/internal/keys"
)

// TaskStore is the durable or shared store the queue and cluster engines keep
// task status and results in, keyed by task id. The minimal persisted schema
// is the Task record itself: id, status, result or error, timestamps.
type TaskStore interface {
	// Put upserts the full task record. Terminal records are never
	// overwritten with non-terminal state.
	Put(ctx context.Context, t *Task) error
	// Get returns the task record, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)
}

// RedisTaskStore keeps task records as JSON strings in Redis with a
// retention TTL. It is the default store for the queue and cluster engines.
type RedisTaskStore struct {
	rdb redis.UniversalClient
	enc Encoder
	ttl time.Duration
}

// NewRedisTaskStore creates a store with the given retention; zero retention
// defaults to 24h.
func NewRedisTaskStore(rdb redis.UniversalClient, ttl time.Duration) *RedisTaskStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTaskStore{rdb: rdb, enc: defaultEncoder(nil), ttl: ttl}
}

// taskPutScript upserts the record unless the stored record is terminal and
// the incoming one is not, so a late non-terminal write (e.g. progress from a
// worker whose lease expired and was re-delivered) can never revert a
// terminal record. The compare and the write are one atomic step; the
// terminal set must stay in sync with Status.Terminal.
var taskPutScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and ARGV[2] == '0' then
  local st = cjson.decode(cur)['status']
  if st == 'success' or st == 'failure' or st == 'cancelled' then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func (s *RedisTaskStore) Put(ctx context.Context, t *Task) error {
	raw, err := s.enc.Encode(t)
	if err != nil {
		return err
	}
	terminal := "0"
	if t.Status.Terminal() {
		terminal = "1"
	}
	return taskPutScript.Run(ctx, s.rdb,
		[]string{ikeys.Task(t.ID)}, raw, terminal, s.ttl.Milliseconds()).Err()
}

func (s *RedisTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.rdb.Get(ctx, ikeys.Task(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(s.enc, raw)
}
