package network

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	From    string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}

// Node is a PubSub endpoint with a stable identity. Messages published through
// a Node carry its ID in Message.From, including copies delivered back to the
// node's own subscriptions.
type Node interface {
	PubSub
	ID() string
}
