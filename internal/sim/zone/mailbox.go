package zone

import "sync"

// Mailbox buffers encoded outbound messages for one agent until they are flushed.
type Mailbox struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func NewMailbox() *Mailbox { return &Mailbox{} }

// Push appends a message. Pushes after Close are dropped.
func (m *Mailbox) Push(b []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.msgs = append(m.msgs, b)
	return true
}

// Drain returns and clears everything buffered so far.
func (m *Mailbox) Drain() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.msgs
	m.msgs = nil
	return out
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.msgs = nil
}

func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
