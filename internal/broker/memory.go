package broker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorq/conveyor/internal/task"
	"github.com/conveyorq/conveyor/internal/timeutil"
)

// Memory is a single-process, in-memory Broker. Each queue keeps a ready
// heap ordered by (priority desc, enqueue order asc), a delayed heap
// ordered by ETA, an in-flight table guarded by the visibility timeout,
// and a dead-letter list.
type Memory struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	visibility time.Duration
	clock      timeutil.Clock
	seq        uint64
	closed     bool
	done       chan struct{}
}

type memQueue struct {
	ready    readyHeap
	delayed  delayedHeap
	inflight map[string]*inflightEntry
	dead     []*task.Message
	notify   chan struct{}
}

type inflightEntry struct {
	msg       *task.Message
	expiresAt time.Time
}

type readyItem struct {
	msg *task.Message
	seq uint64
}

type delayedItem struct {
	msg *task.Message
	seq uint64
	eta time.Time
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithClock injects a clock, used by tests to simulate time.
func WithClock(clock timeutil.Clock) MemoryOption {
	return func(b *Memory) { b.clock = clock }
}

// NewMemory creates an in-memory broker with the given visibility timeout.
func NewMemory(visibility time.Duration, opts ...MemoryOption) *Memory {
	b := &Memory{
		queues:     make(map[string]*memQueue),
		visibility: visibility,
		clock:      timeutil.NewRealClock(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Memory) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			inflight: make(map[string]*inflightEntry),
			notify:   make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

// Enqueue adds msg to its queue, gated by its ETA.
func (b *Memory) Enqueue(ctx context.Context, msg *task.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	q := b.queue(msg.Queue)
	b.seq++
	if msg.VisibleAt(b.clock.Now()) {
		heap.Push(&q.ready, &readyItem{msg: msg, seq: b.seq})
	} else {
		heap.Push(&q.delayed, &delayedItem{msg: msg, seq: b.seq, eta: msg.ETA})
	}
	b.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue pops the highest-priority visible message, blocking up to
// timeout. A timeout of zero makes a single non-blocking attempt.
func (b *Memory) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	deadline := b.clock.Now().Add(timeout)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		q := b.queue(queue)
		now := b.clock.Now()
		b.promoteLocked(q, now)

		if q.ready.Len() > 0 {
			item := heap.Pop(&q.ready).(*readyItem)
			receipt := uuid.NewString()
			q.inflight[receipt] = &inflightEntry{
				msg:       item.msg,
				expiresAt: now.Add(b.visibility),
			}
			b.mu.Unlock()
			return &Delivery{Message: item.msg, Queue: queue, Receipt: receipt}, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			b.mu.Unlock()
			return nil, nil
		}

		// Wake early if a delayed ETA or an in-flight lease will come due
		// before the deadline.
		wait := remaining
		if next, ok := q.nextEvent(); ok {
			if until := next.Sub(now); until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		notify := q.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-notify:
		case <-b.clock.After(wait):
		}
	}
}

// promoteLocked moves due delayed messages and expired in-flight
// deliveries back into the ready heap. Callers hold b.mu.
func (b *Memory) promoteLocked(q *memQueue, now time.Time) {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.eta.After(now) {
			break
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, &readyItem{msg: next.msg, seq: next.seq})
	}

	for receipt, entry := range q.inflight {
		if entry.expiresAt.After(now) {
			continue
		}
		// Visibility timeout elapsed: redeliver. The attempt count is
		// unchanged; only the retry path increments it.
		delete(q.inflight, receipt)
		b.seq++
		heap.Push(&q.ready, &readyItem{msg: entry.msg, seq: b.seq})
	}
}

// nextEvent returns the earliest future ETA or lease expiry for the queue.
func (q *memQueue) nextEvent() (time.Time, bool) {
	var next time.Time
	if q.delayed.Len() > 0 {
		next = q.delayed[0].eta
	}
	for _, entry := range q.inflight {
		if next.IsZero() || entry.expiresAt.Before(next) {
			next = entry.expiresAt
		}
	}
	return next, !next.IsZero()
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Ack permanently removes the delivered message. A delivery whose lease
// already expired has been handed to another consumer; acking it is a
// no-op.
func (b *Memory) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.queue(d.Queue).inflight, d.Receipt)
	return nil
}

// Nack finishes the delivery negatively: requeue after delay with the
// attempt incremented, or move to the dead-letter list.
func (b *Memory) Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	q := b.queue(d.Queue)
	entry, ok := q.inflight[d.Receipt]
	if !ok {
		// Lease expired and the message was redelivered elsewhere.
		b.mu.Unlock()
		return nil
	}
	delete(q.inflight, d.Receipt)

	if !requeue {
		q.dead = append(q.dead, entry.msg)
		b.mu.Unlock()
		return nil
	}

	retry := *entry.msg
	retry.Attempt++
	retry.ETA = b.clock.Now().Add(delay)

	b.seq++
	if delay <= 0 {
		heap.Push(&q.ready, &readyItem{msg: &retry, seq: b.seq})
	} else {
		heap.Push(&q.delayed, &delayedItem{msg: &retry, seq: b.seq, eta: retry.ETA})
	}
	b.mu.Unlock()

	q.signal()
	return nil
}

// Len counts pending messages (ready plus scheduled) in the queue.
func (b *Memory) Len(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	q := b.queue(queue)
	return q.ready.Len() + q.delayed.Len(), nil
}

// DeadLetters returns a copy of the queue's dead-letter list.
func (b *Memory) DeadLetters(ctx context.Context, queue string) ([]*task.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q := b.queue(queue)
	out := make([]*task.Message, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Close marks the broker closed and unblocks pending Dequeue calls.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// readyHeap orders by priority descending, then enqueue order ascending.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap orders by ETA ascending, then enqueue order ascending.
type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].eta.Equal(h[j].eta) {
		return h[i].eta.Before(h[j].eta)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*delayedItem)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
