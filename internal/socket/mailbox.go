package socket

import "sync"

// mailbox is an unbounded FIFO of closures run by a single goroutine.
// Posting never blocks, so code running inside the loop may post more work.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// post queues fn. It reports false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// close rejects further posts and stops the loop after the closure that is
// currently running. Safe to call from inside the loop.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.quit)
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.signal:
		case <-m.quit:
			return
		}

		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			fn()
		}
	}
}
