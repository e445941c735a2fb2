package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks let each link attach its own metrics and logging.
type Hooks struct {
	// OnError runs when the write function fails; the item is lost.
	OnError func(error)
	// OnAfter runs after each successful write.
	OnAfter func()
	// OnDrop runs when the queue is full and its error is returned from
	// Send. A nil OnDrop makes overflow silent.
	OnDrop func() error
}

// Stats counts what happened to items handed to Send.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// AsyncTx is the single writer of one link. The control loop hands it CAN
// frames or encoded UART frames and never waits on the device: Send either
// queues or reports overflow. Close writes out whatever is still queued
// unless the parent context has already ended.
type AsyncTx[T any] struct {
	write func(T) error
	hooks Hooks
	ctx   context.Context
	queue chan T
	done  chan struct{}

	mu     sync.Mutex // guards closed against Send racing Close
	closed bool

	sent, failed, dropped atomic.Uint64
}

// NewAsyncTx starts the writer goroutine with a queue of depth items.
func NewAsyncTx[T any](parent context.Context, depth int, write func(T) error, hooks Hooks) *AsyncTx[T] {
	a := &AsyncTx[T]{
		write: write,
		hooks: hooks,
		ctx:   parent,
		queue: make(chan T, depth),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncTx[T]) run() {
	defer close(a.done)
	for {
		select {
		case v, ok := <-a.queue:
			if !ok {
				return
			}
			a.emit(v)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *AsyncTx[T]) emit(v T) {
	if err := a.write(v); err != nil {
		a.failed.Add(1)
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	a.sent.Add(1)
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// Send queues v without blocking.
func (a *AsyncTx[T]) Send(v T) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAsyncTxClosed
	}
	select {
	case a.queue <- v:
		return nil
	default:
	}
	a.dropped.Add(1)
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// Pending is the number of queued items not yet written.
func (a *AsyncTx[T]) Pending() int { return len(a.queue) }

func (a *AsyncTx[T]) Stats() Stats {
	return Stats{Sent: a.sent.Load(), Failed: a.failed.Load(), Dropped: a.dropped.Load()}
}

// Close rejects further sends, flushes the queue and waits for the writer
// to exit. It is safe to call more than once.
func (a *AsyncTx[T]) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
