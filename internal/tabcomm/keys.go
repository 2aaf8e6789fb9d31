package tabcomm

import (
	"fmt"
	"strings"
)

const (
	DefaultRequestPrefix = "tpxStorageMessage"
	DefaultAckPrefix     = "tpxStorageMessageResponse"

	keySeparator = ":"
)

// KeyCodec maps (kind, name) to storage keys of the form "<prefix>:<name>".
// It is the only place the prefixes are known.
type KeyCodec struct {
	request string
	ack     string
}

// NewKeyCodec validates the prefixes: both non-empty, distinct and free of
// the separator, so a key never matches both namespaces.
func NewKeyCodec(requestPrefix, ackPrefix string) (KeyCodec, error) {
	for _, p := range []string{requestPrefix, ackPrefix} {
		if p == "" {
			return KeyCodec{}, fmt.Errorf("%w: empty", ErrInvalidPrefix)
		}
		if strings.Contains(p, keySeparator) {
			return KeyCodec{}, fmt.Errorf("%w: %q contains %q", ErrInvalidPrefix, p, keySeparator)
		}
	}
	if requestPrefix == ackPrefix {
		return KeyCodec{}, ErrPrefixesNotDistinct
	}
	return KeyCodec{request: requestPrefix, ack: ackPrefix}, nil
}

func DefaultKeyCodec() KeyCodec {
	return KeyCodec{request: DefaultRequestPrefix, ack: DefaultAckPrefix}
}

func (k KeyCodec) prefix(kind Kind) string {
	if kind == KindAcknowledgement {
		return k.ack
	}
	return k.request
}

// Key returns the storage key for a message.
func (k KeyCodec) Key(kind Kind, name string) string {
	return k.prefix(kind) + keySeparator + name
}

// Parse matches key against the acknowledgement namespace first, then the
// request namespace. The name is everything after the first separator and
// may be empty.
func (k KeyCodec) Parse(key string) (Kind, string, bool) {
	if name, ok := strings.CutPrefix(key, k.ack+keySeparator); ok {
		return KindAcknowledgement, name, true
	}
	if name, ok := strings.CutPrefix(key, k.request+keySeparator); ok {
		return KindRequest, name, true
	}
	return 0, "", false
}

// IsRequest reports whether key lies in the request namespace.
func (k KeyCodec) IsRequest(key string) bool {
	kind, _, ok := k.Parse(key)
	return ok && kind == KindRequest
}
