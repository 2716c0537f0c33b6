package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

// Queue message states for the queue-table backend.
const (
	msgReady  = "ready"
	msgLocked = "locked"
	msgDead   = "dead"
)

// QueueMessage is the queue-table row. Locked rows carry a lock token and
// a locked_until horizon; a crashed consumer's rows flow back to ready
// when the horizon passes.
type QueueMessage struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Queue            string         `gorm:"not null;index:idx_queue_status"`
	Status           string         `gorm:"not null;index:idx_queue_status"`
	Body             datatypes.JSON `gorm:"type:jsonb"`
	DeliveryCount    int            `gorm:"not null;default:0"`
	VisibleAt        time.Time      `gorm:"not null;index"`
	LockedUntil      *time.Time     `gorm:"index"`
	LockToken        string         `gorm:""`
	DeadLetterReason string         `gorm:""`
	EnqueuedAt       time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (QueueMessage) TableName() string { return "queue_messages" }

// DBQueue is the queue-table broker. Competing consumers race on
// FOR UPDATE SKIP LOCKED (Postgres); delivery counts and the DLQ live in
// the same table.
type DBQueue struct {
	db       func() *gorm.DB
	log      *logger.Logger
	queues   map[string]QueueConfig
	defaults QueueConfig

	pollInterval time.Duration
}

func NewDBQueue(db func() *gorm.DB, baseLog *logger.Logger, queues map[string]QueueConfig, defaults QueueConfig) *DBQueue {
	if defaults.LockDuration <= 0 {
		defaults.LockDuration = time.Minute
	}
	if defaults.MaxDeliveryCount <= 0 {
		defaults.MaxDeliveryCount = 3
	}
	return &DBQueue{
		db:           db,
		log:          baseLog.With("service", "DBQueue"),
		queues:       queues,
		defaults:     defaults,
		pollInterval: 250 * time.Millisecond,
	}
}

func (q *DBQueue) config(queue string) QueueConfig {
	if cfg, ok := q.queues[queue]; ok {
		if cfg.LockDuration <= 0 {
			cfg.LockDuration = q.defaults.LockDuration
		}
		if cfg.MaxDeliveryCount <= 0 {
			cfg.MaxDeliveryCount = q.defaults.MaxDeliveryCount
		}
		return cfg
	}
	return q.defaults
}

func (q *DBQueue) Send(ctx context.Context, queue string, body []byte) (string, error) {
	now := time.Now()
	msg := QueueMessage{
		ID:         uuid.New(),
		Queue:      queue,
		Status:     msgReady,
		Body:       datatypes.JSON(body),
		VisibleAt:  now,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := q.db().WithContext(ctx).Create(&msg).Error; err != nil {
		return "", err
	}
	return msg.ID.String(), nil
}

func (q *DBQueue) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		deliveries, err := q.receiveOnce(ctx, queue, max)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 || time.Now().After(deadline) {
			return deliveries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *DBQueue) receiveOnce(ctx context.Context, queue string, max int) ([]*Delivery, error) {
	cfg := q.config(queue)
	now := time.Now()

	var out []*Delivery
	err := q.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// crashed-consumer reclaim: expired locks flow back to ready
		if err := tx.Model(&QueueMessage{}).
			Where("queue = ? AND status = ? AND locked_until < ?", queue, msgLocked, now).
			Updates(map[string]interface{}{
				"status":     msgReady,
				"lock_token": "",
				"visible_at": now,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		sel := tx.Where("queue = ? AND status = ? AND visible_at <= ?", queue, msgReady, now).
			Order("enqueued_at ASC").
			Limit(max)
		if tx.Dialector.Name() == "postgres" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []QueueMessage
		if err := sel.Find(&rows).Error; err != nil {
			return err
		}

		for i := range rows {
			row := &rows[i]
			token := uuid.New().String()
			lockedUntil := now.Add(cfg.LockDuration)
			count := row.DeliveryCount + 1

			if count > cfg.MaxDeliveryCount {
				if err := tx.Model(&QueueMessage{}).
					Where("id = ?", row.ID).
					Updates(map[string]interface{}{
						"status":             msgDead,
						"delivery_count":     count,
						"dead_letter_reason": "max delivery count exceeded",
						"lock_token":         "",
						"updated_at":         now,
					}).Error; err != nil {
					return err
				}
				q.log.Warn("Message exceeded max delivery count, dead-lettered",
					"queue", queue, "message_id", row.ID, "delivery_count", count)
				continue
			}

			if err := tx.Model(&QueueMessage{}).
				Where("id = ?", row.ID).
				Updates(map[string]interface{}{
					"status":         msgLocked,
					"delivery_count": count,
					"lock_token":     token,
					"locked_until":   lockedUntil,
					"updated_at":     now,
				}).Error; err != nil {
				return err
			}

			out = append(out, NewDelivery(row.ID.String(), queue, []byte(row.Body), count, token))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *DBQueue) Complete(ctx context.Context, d *Delivery) error {
	res := q.db().WithContext(ctx).
		Where("id = ? AND lock_token = ?", d.ID, d.Receipt()).
		Delete(&QueueMessage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

func (q *DBQueue) Abandon(ctx context.Context, d *Delivery) error {
	now := time.Now()
	res := q.db().WithContext(ctx).Model(&QueueMessage{}).
		Where("id = ? AND lock_token = ?", d.ID, d.Receipt()).
		Updates(map[string]interface{}{
			"status":     msgReady,
			"lock_token": "",
			"visible_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

func (q *DBQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	now := time.Now()
	res := q.db().WithContext(ctx).Model(&QueueMessage{}).
		Where("id = ? AND lock_token = ?", d.ID, d.Receipt()).
		Updates(map[string]interface{}{
			"status":             msgDead,
			"dead_letter_reason": reason,
			"lock_token":         "",
			"updated_at":         now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

func (q *DBQueue) RenewLock(ctx context.Context, d *Delivery, duration time.Duration) error {
	now := time.Now()
	res := q.db().WithContext(ctx).Model(&QueueMessage{}).
		Where("id = ? AND lock_token = ? AND status = ?", d.ID, d.Receipt(), msgLocked).
		Updates(map[string]interface{}{
			"locked_until": now.Add(duration),
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// DeadLetters lists dead-lettered messages on a queue, newest first.
// Debug surface, not part of the delivery contract.
func (q *DBQueue) DeadLetters(ctx context.Context, queue string, limit int) ([]QueueMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []QueueMessage
	err := q.db().WithContext(ctx).
		Where("queue = ? AND status = ?", queue, msgDead).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
