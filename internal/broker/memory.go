package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type memoryMessage struct {
	id            string
	body          []byte
	deliveryCount int
	locked        bool
	lockToken     string
	lockedUntil   time.Time
}

// Memory is the in-process broker used by tests and single-node dev runs.
// Same contract as the durable backends: at-least-once, competing
// consumers, per-queue max delivery with a dead map as the DLQ.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][]*memoryMessage
	dead     map[string][]*memoryMessage
	seq      int
	defaults QueueConfig
	perQueue map[string]QueueConfig
	log      *logger.Logger
}

func NewMemory(baseLog *logger.Logger, queues map[string]QueueConfig, defaults QueueConfig) *Memory {
	if defaults.LockDuration <= 0 {
		defaults.LockDuration = time.Minute
	}
	if defaults.MaxDeliveryCount <= 0 {
		defaults.MaxDeliveryCount = 3
	}
	return &Memory{
		queues:   make(map[string][]*memoryMessage),
		dead:     make(map[string][]*memoryMessage),
		defaults: defaults,
		perQueue: queues,
		log:      baseLog.With("service", "MemoryBroker"),
	}
}

func (m *Memory) config(queue string) QueueConfig {
	if cfg, ok := m.perQueue[queue]; ok {
		if cfg.LockDuration <= 0 {
			cfg.LockDuration = m.defaults.LockDuration
		}
		if cfg.MaxDeliveryCount <= 0 {
			cfg.MaxDeliveryCount = m.defaults.MaxDeliveryCount
		}
		return cfg
	}
	return m.defaults
}

func (m *Memory) Send(ctx context.Context, queue string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := "mem-" + strconv.Itoa(m.seq)
	cp := make([]byte, len(body))
	copy(cp, body)
	m.queues[queue] = append(m.queues[queue], &memoryMessage{id: id, body: cp})
	return id, nil
}

func (m *Memory) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		out := m.receiveOnce(queue, max)
		if len(out) > 0 || time.Now().After(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) receiveOnce(queue string, max int) []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config(queue)
	now := time.Now()

	var out []*Delivery
	for _, msg := range m.queues[queue] {
		if len(out) >= max {
			break
		}
		if msg.locked && msg.lockedUntil.After(now) {
			continue
		}
		msg.deliveryCount++
		if msg.deliveryCount > cfg.MaxDeliveryCount {
			m.moveToDeadLocked(queue, msg, "max delivery count exceeded")
			continue
		}
		m.seq++
		msg.locked = true
		msg.lockToken = "tok-" + strconv.Itoa(m.seq)
		msg.lockedUntil = now.Add(cfg.LockDuration)
		out = append(out, NewDelivery(msg.id, queue, msg.body, msg.deliveryCount, msg.lockToken))
	}
	return out
}

func (m *Memory) find(queue, id, token string) (*memoryMessage, int) {
	for i, msg := range m.queues[queue] {
		if msg.id == id {
			if msg.lockToken != token {
				return nil, -1
			}
			return msg, i
		}
	}
	return nil, -1
}

func (m *Memory) moveToDeadLocked(queue string, target *memoryMessage, reason string) {
	rest := m.queues[queue][:0]
	for _, msg := range m.queues[queue] {
		if msg != target {
			rest = append(rest, msg)
		}
	}
	m.queues[queue] = rest
	m.dead[queue] = append(m.dead[queue], target)
	m.log.Warn("Message dead-lettered", "queue", queue, "message_id", target.id, "reason", reason)
}

func (m *Memory) Complete(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, idx := m.find(d.Queue, d.ID, d.Receipt())
	if msg == nil {
		return ErrLockLost
	}
	m.queues[d.Queue] = append(m.queues[d.Queue][:idx], m.queues[d.Queue][idx+1:]...)
	return nil
}

func (m *Memory) Abandon(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, _ := m.find(d.Queue, d.ID, d.Receipt())
	if msg == nil {
		return ErrLockLost
	}
	msg.locked = false
	msg.lockToken = ""
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, _ := m.find(d.Queue, d.ID, d.Receipt())
	if msg == nil {
		return ErrLockLost
	}
	m.moveToDeadLocked(d.Queue, msg, reason)
	return nil
}

func (m *Memory) RenewLock(ctx context.Context, d *Delivery, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, _ := m.find(d.Queue, d.ID, d.Receipt())
	if msg == nil || !msg.locked {
		return ErrLockLost
	}
	msg.lockedUntil = time.Now().Add(duration)
	return nil
}

// Depth reports pending (non-dead) messages on a queue. Test helper.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// DeadCount reports dead-lettered messages on a queue. Test helper.
func (m *Memory) DeadCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead[queue])
}
