package broker

import (
	"context"
	"errors"
	"time"
)

// Delivery is one locked message handed to a consumer. The receipt is a
// backend-specific handle; the broker refuses dispositions whose receipt
// no longer matches (lock lost to another consumer).
type Delivery struct {
	ID            string
	Queue         string
	Body          []byte
	DeliveryCount int

	receipt string
}

func (d *Delivery) Receipt() string { return d.receipt }

// NewDelivery is used by broker implementations and tests.
func NewDelivery(id, queue string, body []byte, deliveryCount int, receipt string) *Delivery {
	return &Delivery{ID: id, Queue: queue, Body: body, DeliveryCount: deliveryCount, receipt: receipt}
}

var (
	// ErrLockLost: the delivery's lock expired or was claimed elsewhere;
	// any disposition on it is void and the message will be redelivered.
	ErrLockLost = errors.New("message lock lost")
)

// QueueConfig carries per-queue delivery policy.
type QueueConfig struct {
	LockDuration     time.Duration
	MaxDeliveryCount int
}

// Broker is the named-queue abstraction. Delivery is at-least-once with
// competing consumers; FIFO is not guaranteed.
type Broker interface {
	// Send enqueues a message and returns its id.
	Send(ctx context.Context, queue string, body []byte) (string, error)
	// Receive locks up to max messages, waiting up to wait for the first.
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Delivery, error)
	// Complete acks the delivery, removing the message.
	Complete(ctx context.Context, d *Delivery) error
	// Abandon releases the lock; the message becomes visible again and its
	// delivery count stands.
	Abandon(ctx context.Context, d *Delivery) error
	// DeadLetter moves the message to the queue's dead-letter sink.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// RenewLock extends the delivery's visibility timeout.
	RenewLock(ctx context.Context, d *Delivery, duration time.Duration) error
}
