/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"sync"
)

// eventQueue is an unbounded FIFO of handlers. Push never blocks, so engine
// callbacks can post from any goroutine, including from within Close.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	handlers []func()
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends handler. It returns false when the queue is closed.
func (q *eventQueue) Push(handler func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.handlers = append(q.handlers, handler)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until a handler is available or the queue is closed and empty.
func (q *eventQueue) Pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.handlers) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.handlers) == 0 {
		return nil, false
	}
	handler := q.handlers[0]
	q.handlers[0] = nil
	q.handlers = q.handlers[1:]
	return handler, true
}

// Close wakes up all waiters. Already queued handlers are still returned.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
