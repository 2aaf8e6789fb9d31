package tabcomm

import (
	"fmt"

	"ClawdCity-TabComm/internal/core/storage"
)

// Transport writes messages to the shared store. The entry's appearance is
// the signal; it is removed again immediately so nothing is persisted.
type Transport struct {
	store storage.Store
	codec *Codec
}

func NewTransport(store storage.Store, codec *Codec) *Transport {
	return &Transport{store: store, codec: codec}
}

// Write encodes and sends one message.
func (t *Transport) Write(name string, kind Kind, args ...any) error {
	key, value, err := t.codec.Encode(name, kind, args...)
	if err != nil {
		return err
	}
	return t.send(key, value)
}

func (t *Transport) send(key, value string) error {
	if err := t.store.SetItem(key, value); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := t.store.RemoveItem(key); err != nil {
		return fmt.Errorf("retract %q: %w", key, err)
	}
	return nil
}
