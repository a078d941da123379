package session

import "sync"

// latest fans one value stream out to any number of observers.
//
// Every observer channel has a buffer of one and always holds the newest
// value: a slow observer skips intermediate values instead of blocking the
// publisher. New observers receive the current value immediately.
type latest[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{subs: make(map[uint64]chan T)}
}

// observe registers a new observer primed with current(), which is evaluated
// under the same lock publish takes. The returned cancel func unregisters and
// closes the channel; it is safe to call more than once.
func (l *latest[T]) observe(current func() T) (<-chan T, func()) {
	ch := make(chan T, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		close(ch)
		return ch, func() {}
	}

	ch <- current()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

// publish replaces whatever each observer has not read yet with v.
func (l *latest[T]) publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs {
		select {
		case <-ch:
		default:
		}
		// Publishers are serialised by mu, so the buffer is free now.
		ch <- v
	}
}

// close closes every observer channel. Later observe calls get a closed channel.
func (l *latest[T]) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

func (l *latest[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
