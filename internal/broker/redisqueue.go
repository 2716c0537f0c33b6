package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

const (
	redisGroup     = "workers"
	redisBodyField = "body"
	redisDLQSuffix = ":dlq"
)

// RedisStreams is the Redis-backed broker. Each queue is a stream with a
// single consumer group; the pending entries list is the lock, XAUTOCLAIM
// past the lock duration is redelivery, and a side stream is the DLQ.
type RedisStreams struct {
	rdb      *goredis.Client
	log      *logger.Logger
	consumer string
	queues   map[string]QueueConfig
	defaults QueueConfig
}

func NewRedisStreams(rdb *goredis.Client, baseLog *logger.Logger, consumer string, queues map[string]QueueConfig, defaults QueueConfig) *RedisStreams {
	if defaults.LockDuration <= 0 {
		defaults.LockDuration = time.Minute
	}
	if defaults.MaxDeliveryCount <= 0 {
		defaults.MaxDeliveryCount = 3
	}
	return &RedisStreams{
		rdb:      rdb,
		log:      baseLog.With("service", "RedisStreamsBroker"),
		consumer: consumer,
		queues:   queues,
		defaults: defaults,
	}
}

func (r *RedisStreams) config(queue string) QueueConfig {
	if cfg, ok := r.queues[queue]; ok {
		if cfg.LockDuration <= 0 {
			cfg.LockDuration = r.defaults.LockDuration
		}
		if cfg.MaxDeliveryCount <= 0 {
			cfg.MaxDeliveryCount = r.defaults.MaxDeliveryCount
		}
		return cfg
	}
	return r.defaults
}

func (r *RedisStreams) ensureGroup(ctx context.Context, queue string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, queue, redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (r *RedisStreams) Send(ctx context.Context, queue string, body []byte) (string, error) {
	if err := r.ensureGroup(ctx, queue); err != nil {
		return "", err
	}
	id, err := r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{redisBodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", queue, err)
	}
	return id, nil
}

func (r *RedisStreams) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if err := r.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}
	cfg := r.config(queue)

	// messages whose lock expired come first
	claimed, _, err := r.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   queue,
		Group:    redisGroup,
		Consumer: r.consumer,
		MinIdle:  cfg.LockDuration,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", queue, err)
	}

	msgs := claimed
	if len(msgs) < max {
		streams, err := r.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: r.consumer,
			Streams:  []string{queue, ">"},
			Count:    int64(max - len(msgs)),
			Block:    wait,
		}).Result()
		if err != nil && err != goredis.Nil {
			return nil, fmt.Errorf("xreadgroup %s: %w", queue, err)
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts, err := r.deliveryCounts(ctx, queue, msgs)
	if err != nil {
		return nil, err
	}

	var out []*Delivery
	for _, m := range msgs {
		body, _ := m.Values[redisBodyField].(string)
		count := counts[m.ID]
		if count < 1 {
			count = 1
		}
		d := NewDelivery(m.ID, queue, []byte(body), int(count), r.consumer)
		if int(count) > cfg.MaxDeliveryCount {
			if err := r.DeadLetter(ctx, d, "max delivery count exceeded"); err != nil {
				r.log.Warn("Dead-letter of exhausted message failed", "queue", queue, "message_id", m.ID, "error", err)
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisStreams) deliveryCounts(ctx context.Context, queue string, msgs []goredis.XMessage) (map[string]int64, error) {
	counts := make(map[string]int64, len(msgs))
	pending, err := r.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream:   queue,
		Group:    redisGroup,
		Start:    "-",
		End:      "+",
		Count:    int64(len(msgs)) + 64,
		Consumer: r.consumer,
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("xpending %s: %w", queue, err)
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

func (r *RedisStreams) Complete(ctx context.Context, d *Delivery) error {
	if err := r.rdb.XAck(ctx, d.Queue, redisGroup, d.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", d.Queue, err)
	}
	return r.rdb.XDel(ctx, d.Queue, d.ID).Err()
}

// Abandon leaves the entry pending; it becomes claimable once its idle
// time passes the queue's lock duration, which is the stream-native
// equivalent of releasing the lock.
func (r *RedisStreams) Abandon(ctx context.Context, d *Delivery) error {
	return nil
}

func (r *RedisStreams) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if err := r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: d.Queue + redisDLQSuffix,
		Values: map[string]interface{}{
			redisBodyField: string(d.Body),
			"reason":       reason,
			"origin_id":    d.ID,
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq %s: %w", d.Queue, err)
	}
	if err := r.rdb.XAck(ctx, d.Queue, redisGroup, d.ID).Err(); err != nil {
		return err
	}
	return r.rdb.XDel(ctx, d.Queue, d.ID).Err()
}

// RenewLock resets the entry's idle clock by re-claiming it for the same
// consumer, pushing the XAUTOCLAIM horizon out again.
func (r *RedisStreams) RenewLock(ctx context.Context, d *Delivery, duration time.Duration) error {
	ids, err := r.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   d.Queue,
		Group:    redisGroup,
		Consumer: r.consumer,
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("xclaim %s: %w", d.Queue, err)
	}
	if len(ids) == 0 {
		return ErrLockLost
	}
	return nil
}
