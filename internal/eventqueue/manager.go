package eventqueue

import (
	"sort"
	"sync"

	"pveassist/internal/domain"
)

// Manager owns one Queue per project. Its lock only guards the queue map;
// buffering and timers are serialized per project by each Queue.
type Manager struct {
	onFlush FlushFunc
	opts    []Option

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

func NewManager(onFlush FlushFunc, opts ...Option) *Manager {
	return &Manager{onFlush: onFlush, opts: opts, queues: map[string]*Queue{}}
}

// Queue returns the queue of projectID, creating it on first use. It returns
// nil after Close.
func (m *Manager) Queue(projectID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	q, ok := m.queues[projectID]
	if !ok {
		q = New(projectID, m.onFlush, m.opts...)
		m.queues[projectID] = q
	}
	return q
}

// Enqueue routes events to the queue of projectID and returns the number accepted.
func (m *Manager) Enqueue(projectID string, events []domain.ArchitectEvent) int {
	q := m.Queue(projectID)
	if q == nil {
		return 0
	}
	return q.Enqueue(events)
}

// Projects lists the projects with a queue, sorted.
func (m *Manager) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every queue and waits for in-flight deliveries.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
