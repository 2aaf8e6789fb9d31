package tabcomm

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyName           = errors.New("message name required")
	ErrNotSerializable     = errors.New("argument is not JSON serializable")
	ErrMalformedEnvelope   = errors.New("malformed message envelope")
	ErrTypeMismatch        = errors.New("message data type mismatch")
	ErrAckTimeout          = errors.New("acknowledgement timeout")
	ErrClosed              = errors.New("communicator closed")
	ErrArgIndex            = errors.New("argument index out of range")
	ErrInvalidPrefix       = errors.New("invalid message prefix")
	ErrPrefixesNotDistinct = errors.New("request and acknowledgement prefixes must differ")
	ErrStoreNotComparable  = errors.New("store cannot be shared: type is not comparable")
)

// Kind discriminates requests from acknowledgements.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindAcknowledgement
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindAcknowledgement:
		return "acknowledgement"
	default:
		return "unknown"
	}
}

// Args is a decoded argument list; each element is one JSON value.
type Args []json.RawMessage

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: %d of %d", ErrArgIndex, i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// Values decodes every argument into its generic JSON form.
func (a Args) Values() ([]any, error) {
	out := make([]any, len(a))
	for i := range a {
		if err := json.Unmarshal(a[i], &out[i]); err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
	}
	return out, nil
}

// AckFunc answers a request. Its arguments become the caller's result.
type AckFunc func(args ...any) error

// Listener handles a request. ack answers the emitter; calling it is optional.
type Listener func(args Args, ack AckFunc)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// Message is one decoded notification.
type Message struct {
	Name string
	Args Args
	Kind Kind
	// Ack is set for requests only.
	Ack AckFunc
}

func (m *Message) IsResponse() bool {
	return m.Kind == KindAcknowledgement
}
