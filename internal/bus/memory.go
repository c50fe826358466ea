package bus

import (
	"errors"
	"sync"
)

// ErrBusClosed is returned when publishing to a closed bus
var ErrBusClosed = errors.New("bus is closed")

// Ensure MemoryBus implements Bus
var _ Bus = (*MemoryBus)(nil)

type memorySub struct {
	sender  string
	handler Handler
}

// MemoryBus is the in-process channel implementation. Delivery runs on a
// single dispatch goroutine so subscribers observe messages in publish
// order; publishers block only once the queue buffer fills.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]memorySub
	nextID int
	closed bool

	queue chan queuedMessage
	stop  chan struct{}
	wg    sync.WaitGroup
}

type queuedMessage struct {
	sender string
	msg    Message
}

// NewMemoryBus creates a bus and starts its dispatch goroutine
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		subs:  make(map[int]memorySub),
		queue: make(chan queuedMessage, 64),
		stop:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

func (b *MemoryBus) Publish(sender string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	// The send must not happen under b.mu: dispatch takes the same lock to
	// snapshot subscribers, and a full queue would wedge both sides.
	select {
	case b.queue <- queuedMessage{sender: sender, msg: msg}:
		return nil
	case <-b.stop:
		return ErrBusClosed
	}
}

func (b *MemoryBus) Subscribe(sender string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = memorySub{sender: sender, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	return nil
}

func (b *MemoryBus) dispatch() {
	defer b.wg.Done()
	for {
		var q queuedMessage
		select {
		case q = <-b.queue:
		case <-b.stop:
			// Undelivered messages are dropped; every broadcast is advisory
			return
		}

		b.mu.Lock()
		handlers := make([]Handler, 0, len(b.subs))
		for _, sub := range b.subs {
			if sub.sender != q.sender {
				handlers = append(handlers, sub.handler)
			}
		}
		b.mu.Unlock()

		for _, handler := range handlers {
			handler(q.msg)
		}
	}
}
