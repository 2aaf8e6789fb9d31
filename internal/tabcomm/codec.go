package tabcomm

import (
	"encoding/json"
	"fmt"
	"reflect"

	"ClawdCity-TabComm/internal/core/storage"
)

// envelope is the stored value. Type is the kind discriminant and must agree
// with the key namespace; each element of Values is a JSON document.
type envelope struct {
	Type   string   `json:"type"`
	Values []string `json:"values"`
}

// Codec converts messages to storage entries and change notifications back
// to messages.
type Codec struct {
	keys KeyCodec
}

func NewCodec(keys KeyCodec) *Codec {
	return &Codec{keys: keys}
}

// Encode builds the key and envelope for a message. Each argument is
// marshalled on its own; values JSON cannot carry yield ErrNotSerializable.
func (c *Codec) Encode(name string, kind Kind, args ...any) (string, string, error) {
	if name == "" {
		return "", "", ErrEmptyName
	}
	values := make([]string, len(args))
	for i, arg := range args {
		if err := checkSerializable(arg); err != nil {
			return "", "", fmt.Errorf("arg %d: %w", i, err)
		}
		b, err := json.Marshal(arg)
		if err != nil {
			return "", "", fmt.Errorf("%w: arg %d: %v", ErrNotSerializable, i, err)
		}
		values[i] = string(b)
	}
	b, err := json.Marshal(envelope{Type: kind.String(), Values: values})
	if err != nil {
		return "", "", fmt.Errorf("marshal envelope: %w", err)
	}
	return c.keys.Key(kind, name), string(b), nil
}

// Decode turns a change notification into a message. Deletions, foreign keys
// and empty names yield (nil, nil). A broken envelope yields
// ErrMalformedEnvelope; a discriminant that disagrees with the key namespace
// yields ErrTypeMismatch. Ack is left for the caller to attach.
func (c *Codec) Decode(change storage.Change) (*Message, error) {
	if change.NewValue == "" {
		return nil, nil
	}
	kind, name, ok := c.keys.Parse(change.Key)
	if !ok || name == "" {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(change.NewValue), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	args := make(Args, len(env.Values))
	for i, v := range env.Values {
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("%w: value %d is not JSON", ErrMalformedEnvelope, i)
		}
		args[i] = json.RawMessage(v)
	}
	if env.Type != kind.String() {
		return nil, fmt.Errorf("%w: key %q carries %q", ErrTypeMismatch, change.Key, env.Type)
	}

	return &Message{Name: name, Args: args, Kind: kind}, nil
}

func checkSerializable(v any) error {
	if v == nil {
		return nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return fmt.Errorf("%w: %T", ErrNotSerializable, v)
	}
	return nil
}
