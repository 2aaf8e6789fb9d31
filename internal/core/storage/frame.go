package storage

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Bridge frames are protobuf-encoded:
//
//	message Change {
//	  string key       = 1;
//	  string old_value = 2;
//	  string new_value = 3;
//	  bool   deleted   = 4;
//	  string context   = 5;
//	}
const (
	fieldKey      protowire.Number = 1
	fieldOldValue protowire.Number = 2
	fieldNewValue protowire.Number = 3
	fieldDeleted  protowire.Number = 4
	fieldContext  protowire.Number = 5
)

// MarshalChange encodes c as a bridge frame.
func MarshalChange(c Change) []byte {
	b := make([]byte, 0, len(c.Key)+len(c.OldValue)+len(c.NewValue)+len(c.Context)+16)
	b = appendString(b, fieldKey, c.Key)
	b = appendString(b, fieldOldValue, c.OldValue)
	b = appendString(b, fieldNewValue, c.NewValue)
	if c.Deleted {
		b = protowire.AppendTag(b, fieldDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, fieldContext, c.Context)
	return b
}

// UnmarshalChange decodes a bridge frame. Unknown fields are skipped.
func UnmarshalChange(b []byte) (Change, error) {
	var c Change
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Change{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldKey && num <= fieldContext && num != fieldDeleted:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Change{}, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKey:
				c.Key = v
			case fieldOldValue:
				c.OldValue = v
			case fieldNewValue:
				c.NewValue = v
			case fieldContext:
				c.Context = v
			}
		case num == fieldDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Change{}, fmt.Errorf("%w: deleted: %v", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
			c.Deleted = protowire.DecodeBool(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Change{}, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if c.Key == "" {
		return Change{}, fmt.Errorf("%w: missing key", ErrBadFrame)
	}
	return c, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
