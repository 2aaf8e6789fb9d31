package storage

import (
	"errors"

	"ClawdCity-TabComm/internal/core/network"
	"ClawdCity-TabComm/internal/logger"
)

// Bridge replicates an Area across processes: local mutations are published
// on topic, and frames from other nodes are applied with ApplyRemote.
type Bridge struct {
	area  *Area
	node  network.Node
	topic string
	log   *logger.Logger

	unobserve func()
	cancelSub func()
	done      chan struct{}
}

// NewBridge subscribes node to topic and starts replicating area.
func NewBridge(area *Area, node network.Node, topic string, log *logger.Logger) (*Bridge, error) {
	if log == nil {
		log = logger.Discard()
	}
	msgs, cancel, err := node.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		area:      area,
		node:      node,
		topic:     topic,
		log:       log.With("topic", topic, "node", node.ID()),
		cancelSub: cancel,
		done:      make(chan struct{}),
	}
	b.unobserve = area.OnChange(b.publish)
	go b.consume(msgs)
	return b, nil
}

func (b *Bridge) publish(c Change) {
	if err := b.node.Publish(b.topic, MarshalChange(c)); err != nil {
		b.log.Warn("bridge publish failed", "key", c.Key, "error", err)
	}
}

func (b *Bridge) consume(msgs <-chan network.Message) {
	defer close(b.done)
	self := b.node.ID()
	for msg := range msgs {
		if msg.From == self {
			continue
		}
		c, err := UnmarshalChange(msg.Payload)
		if err != nil {
			b.log.Warn("bridge dropped frame", "from", msg.From, "error", err)
			continue
		}
		if err := b.area.ApplyRemote(c); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			b.log.Warn("bridge apply failed", "key", c.Key, "error", err)
		}
	}
}

// Close stops replication. The area stays usable locally.
func (b *Bridge) Close() error {
	b.unobserve()
	b.cancelSub()
	<-b.done
	return nil
}
