package network

import (
	"sync"
)

const defaultMemoryBuffer = 64

// MemoryPubSub is a process-local transport. Several bridged areas can share
// one instance through Node views, which is how tests simulate separate
// processes without sockets.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	buffer int
	subs   map[string]map[int]chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		buffer: defaultMemoryBuffer,
		subs:   make(map[string]map[int]chan Message),
	}
}

// Publish broadcasts payload with an empty sender.
func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.publish(topic, "", payload)
	return nil
}

func (m *MemoryPubSub) publish(topic, from string, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, From: from, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, m.buffer)
	m.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subsByTopic, ok := m.subs[topic]; ok {
				if sub, exists := subsByTopic[id]; exists {
					delete(subsByTopic, id)
					close(sub)
				}
				if len(subsByTopic) == 0 {
					delete(m.subs, topic)
				}
			}
		})
	}
	return ch, cancel, nil
}

// Node returns a view of m that stamps published messages with id.
func (m *MemoryPubSub) Node(id string) Node {
	return &memoryNode{bus: m, id: id}
}

type memoryNode struct {
	bus *MemoryPubSub
	id  string
}

func (n *memoryNode) ID() string { return n.id }

func (n *memoryNode) Publish(topic string, payload []byte) error {
	n.bus.publish(topic, n.id, payload)
	return nil
}

func (n *memoryNode) Subscribe(topic string) (<-chan Message, func(), error) {
	return n.bus.Subscribe(topic)
}
