// Package broker defines the message transport contract between producers
// and workers, and provides an in-memory implementation. The contract is
// at-least-once: a dequeued message stays invisible to other consumers
// until it is acked or its visibility timeout elapses, after which it is
// redelivered.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/conveyorq/conveyor/internal/task"
)

// Common errors returned by broker implementations.
var (
	// ErrClosed is returned for operations on a closed broker.
	ErrClosed = errors.New("broker is closed")
)

// Delivery is a dequeued message plus the receipt needed to ack or nack
// it. A delivery is valid until acked, nacked, or its visibility timeout
// elapses.
type Delivery struct {
	// Message is the dequeued task message.
	Message *task.Message

	// Queue is the queue the message was dequeued from.
	Queue string

	// Receipt identifies this delivery for Ack/Nack. Opaque to callers.
	Receipt string
}

// Broker is the message transport abstraction. Implementations must be
// safe for concurrent use; queue contention is resolved entirely by the
// broker's ack/visibility-timeout mechanism.
type Broker interface {
	// Enqueue adds a message to its queue. It never silently drops a
	// message: a transport failure surfaces as an error wrapping
	// task.ErrBrokerUnavailable.
	Enqueue(ctx context.Context, msg *task.Message) error

	// Dequeue removes the highest-priority visible message from the named
	// queue, blocking up to timeout. Returns (nil, nil) when no message
	// became available before the timeout; that is not an error. Among
	// visible messages, higher priority is served first, ties broken by
	// enqueue order (best effort under concurrency). Messages whose ETA
	// is in the future are invisible.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)

	// Ack permanently removes a delivered message. Acking a delivery
	// whose visibility timeout already elapsed is a no-op.
	Ack(ctx context.Context, d *Delivery) error

	// Nack finishes a delivery negatively. With requeue true the message
	// is re-enqueued after delay with its attempt count incremented;
	// otherwise it is moved to the queue's dead-letter area.
	Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) error

	// Len returns the number of pending (visible or scheduled) messages
	// in the named queue, excluding in-flight and dead-lettered ones.
	Len(ctx context.Context, queue string) (int, error)

	// DeadLetters lists the dead-lettered messages of the named queue.
	DeadLetters(ctx context.Context, queue string) ([]*task.Message, error)

	// Close releases broker resources and unblocks pending Dequeue calls.
	Close() error
}
