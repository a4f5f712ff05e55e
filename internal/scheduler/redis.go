// ABOUTME: TaskStore backed by Redis for deployments that share scheduler state
// ABOUTME: A sorted set orders tasks by run_at; a hash holds the task payloads

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisTaskStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys, defaults to "stagehand:tasks".
	Prefix string
}

// redisTask is the stored payload. Its encoding is compared byte-for-byte on claim.
type redisTask struct {
	RunAt        int64  `json:"run_at"`
	MisfireGrace int64  `json:"misfire_grace"`
	UserID       string `json:"user_id"`
	Ref          string `json:"task_reference"`
}

// claimScript deletes a task only if its payload is unchanged.
var claimScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if (not cur) or cur ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// RedisTaskStore keeps pending tasks in Redis.
type RedisTaskStore struct {
	rdb     *goredis.Client
	dueKey  string
	dataKey string
}

// NewRedisTaskStore connects and verifies the server with a ping.
func NewRedisTaskStore(opts RedisOptions) (*RedisTaskStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "stagehand:tasks"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisTaskStore{
		rdb:     rdb,
		dueKey:  opts.Prefix + ":due",
		dataKey: opts.Prefix + ":data",
	}, nil
}

func encodeTask(t Task) (string, error) {
	raw, err := json.Marshal(redisTask{
		RunAt:        t.RunAt.UnixNano(),
		MisfireGrace: int64(t.MisfireGrace / time.Second),
		UserID:       t.UserID,
		Ref:          t.Ref,
	})
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	return string(raw), nil
}

func decodeTask(id, raw string) (Task, error) {
	var rt redisTask
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return Task{}, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return Task{
		ID:           id,
		UserID:       rt.UserID,
		Ref:          rt.Ref,
		RunAt:        time.Unix(0, rt.RunAt).UTC(),
		MisfireGrace: time.Duration(rt.MisfireGrace) * time.Second,
	}, nil
}

func (s *RedisTaskStore) Replace(ctx context.Context, task Task) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey, task.ID, payload)
		pipe.ZAdd(ctx, s.dueKey, goredis.Z{Score: float64(task.RunAt.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing task: %w", err)
	}
	return nil
}

func (s *RedisTaskStore) Claim(ctx context.Context, task Task) (bool, error) {
	payload, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	n, err := claimScript.Run(ctx, s.rdb, []string{s.dueKey, s.dataKey}, task.ID, payload).Int()
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	return n == 1, nil
}

func (s *RedisTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.dueKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Scores have millisecond precision; filter on the exact time.
	due := tasks[:0]
	for _, t := range tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (s *RedisTaskStore) List(ctx context.Context) ([]Task, error) {
	ids, err := s.rdb.ZRange(ctx, s.dueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisTaskStore) RemoveUser(ctx context.Context, userID string) (int, error) {
	all, err := s.rdb.HGetAll(ctx, s.dataKey).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning tasks: %w", err)
	}
	var ids []string
	for id, raw := range all {
		t, err := decodeTask(id, raw)
		if err != nil {
			continue
		}
		if t.UserID == userID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey, ids...)
		pipe.ZRem(ctx, s.dueKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("removing user tasks: %w", err)
	}
	return len(ids), nil
}

func (s *RedisTaskStore) Close() error {
	return s.rdb.Close()
}

// load fetches payloads for ids, keeping the sorted-set order.
func (s *RedisTaskStore) load(ctx context.Context, ids []string) ([]Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	tasks := make([]Task, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeTask(ids[i], raw)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
