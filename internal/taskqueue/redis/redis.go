// Package redis is the production Queue adapter: each named queue is a
// Redis sorted set scored by visibility-deadline unix-nano, so "what's
// visible now" is a ZRANGEBYSCORE and extending/acking/nacking a task is a
// ZADD/ZREM, matching the at-least-once, best-effort-FIFO contract of
// spec.md §4.2.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pborman/uuid"

	"github.com/adx-core/woc/internal/taskqueue"
)

// Queue is the go-redis/v9 backed implementation of taskqueue.Queue.
type Queue struct {
	client *goredis.Client
}

var _ taskqueue.Queue = (*Queue)(nil)

func New(client *goredis.Client) *Queue {
	return &Queue{client: client}
}

func key(queue string) string { return "woc:queue:" + queue }
func dataKey(queue string) string { return "woc:queue:" + queue + ":data" }

func (q *Queue) Enqueue(ctx context.Context, queue string, task taskqueue.Task, notBefore time.Time) error {
	if task.ID == "" {
		task.ID = uuid.New()
	}
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, dataKey(queue), task.ID, data)
	pipe.ZAdd(ctx, key(queue), goredis.Z{Score: float64(notBefore.UnixNano()), Member: task.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue claims the single lowest-scored, currently-visible member and
// re-scores it to now+visibility, so a crashed worker's task naturally
// becomes visible again once the lease lapses (at-least-once). The range
// read and the re-score are two separate commands, so two workers polling
// at the same moment can both receive the same task.
func (q *Queue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*taskqueue.Task, error) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, key(queue), &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()), Count: 1,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	taskID := ids[0]

	newScore := float64(now.Add(visibility).UnixNano())
	changed, err := q.client.ZAddArgs(ctx, key(queue), goredis.ZAddArgs{
		XX: true, Ch: true, Members: []goredis.Z{{Score: newScore, Member: taskID}},
	}).Result()
	if err != nil {
		return nil, err
	}
	if changed == 0 {
		// Another worker acked (removed) it between the range read and the
		// re-score; caller will poll again.
		return nil, nil
	}

	raw, err := q.client.HGet(ctx, dataKey(queue), taskID).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var t taskqueue.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	t.Attempt++
	data, _ := json.Marshal(t)
	q.client.HSet(ctx, dataKey(queue), taskID, data)
	return &t, nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, queue string, taskID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, key(queue), goredis.Z{
		Score: float64(time.Now().Add(extension).UnixNano()), Member: taskID,
	}).Err()
}

func (q *Queue) Ack(ctx context.Context, queue string, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(queue), taskID)
	pipe.HDel(ctx, dataKey(queue), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) Nack(ctx context.Context, queue string, taskID string, delay time.Duration) error {
	return q.client.ZAddXX(ctx, key(queue), goredis.Z{
		Score: float64(time.Now().Add(delay).UnixNano()), Member: taskID,
	}).Err()
}
