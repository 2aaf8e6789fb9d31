package tabcomm

import (
	"encoding/json"
	"testing"

	"ClawdCity-TabComm/internal/core/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(DefaultKeyCodec())
	type point struct {
		X int    `json:"x"`
		Y int    `json:"y"`
		L string `json:"label"`
	}
	args := []any{2, "three", []int{4, 5}, map[string]any{"six": true}, nil, point{1, 2, "p"}}

	key, value, err := codec.Encode("sum", KindRequest, args...)
	require.NoError(t, err)
	assert.Equal(t, "tpxStorageMessage:sum", key)

	msg, err := codec.Decode(storage.Change{Key: key, NewValue: value})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "sum", msg.Name)
	assert.Equal(t, KindRequest, msg.Kind)
	assert.False(t, msg.IsResponse())
	assert.Nil(t, msg.Ack)

	got, err := msg.Args.Values()
	require.NoError(t, err)
	want := []any{float64(2), "three", []any{float64(4), float64(5)}, map[string]any{"six": true}, nil,
		map[string]any{"x": float64(1), "y": float64(2), "label": "p"}}
	assert.Equal(t, want, got)

	var p point
	require.NoError(t, msg.Args.Decode(5, &p))
	assert.Equal(t, point{1, 2, "p"}, p)
	assert.ErrorIs(t, msg.Args.Decode(6, &p), ErrArgIndex)
}

func TestCodecEnvelopeFormat(t *testing.T) {
	codec := NewCodec(DefaultKeyCodec())
	key, value, err := codec.Encode("ping", KindAcknowledgement, "pong", 1)
	require.NoError(t, err)
	assert.Equal(t, "tpxStorageMessageResponse:ping", key)

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(value), &env))
	assert.Equal(t, "acknowledgement", env["type"])
	assert.Equal(t, []any{`"pong"`, "1"}, env["values"])

	_, value, err = codec.Encode("empty", KindRequest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request","values":[]}`, value)
}

func TestCodecRejectsCallables(t *testing.T) {
	codec := NewCodec(DefaultKeyCodec())
	tests := []struct {
		name string
		arg  any
	}{
		{"func", func() {}},
		{"chan", make(chan int)},
		{"complex", complex(1, 2)},
		{"nested func", map[string]any{"cb": func() {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := codec.Encode("x", KindRequest, 1, tt.arg)
			assert.ErrorIs(t, err, ErrNotSerializable)
		})
	}

	_, _, err := codec.Encode("", KindRequest)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestCodecDecodeIgnores(t *testing.T) {
	codec := NewCodec(DefaultKeyCodec())
	_, value, err := codec.Encode("sum", KindRequest, 1)
	require.NoError(t, err)

	tests := []struct {
		name   string
		change storage.Change
	}{
		{"deletion", storage.Change{Key: "tpxStorageMessage:sum", OldValue: value, Deleted: true}},
		{"foreign key", storage.Change{Key: "theme", NewValue: value}},
		{"prefix without separator", storage.Change{Key: "tpxStorageMessagesum", NewValue: value}},
		{"empty name", storage.Change{Key: "tpxStorageMessage:", NewValue: value}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := codec.Decode(tt.change)
			assert.NoError(t, err)
			assert.Nil(t, msg)
		})
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := NewCodec(DefaultKeyCodec())

	_, err := codec.Decode(storage.Change{Key: "tpxStorageMessage:sum", NewValue: "{not json"})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = codec.Decode(storage.Change{Key: "tpxStorageMessage:sum", NewValue: `{"type":"request","values":["{bad"]}`})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	// An acknowledgement envelope stored under a request key.
	_, ackValue, err := codec.Encode("sum", KindAcknowledgement, 5)
	require.NoError(t, err)
	_, err = codec.Decode(storage.Change{Key: "tpxStorageMessage:sum", NewValue: ackValue})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = codec.Decode(storage.Change{Key: "tpxStorageMessage:sum", NewValue: `{"type":"object","values":["1"]}`})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCodecNameMayContainSeparator(t *testing.T) {
	codec := NewCodec(DefaultKeyCodec())
	key, value, err := codec.Encode("room:42:join", KindRequest)
	require.NoError(t, err)

	msg, err := codec.Decode(storage.Change{Key: key, NewValue: value})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "room:42:join", msg.Name)
}
