package distributed

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts hub messages to and from the bytes carried across nodes.
type Codec[T any] interface {
	Marshal(msg T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONCodec encodes messages with encoding/json.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// MsgpackCodec encodes messages with MessagePack, which is smaller and faster than
// JSON for structured payloads.
type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Marshal(msg T) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (MsgpackCodec[T]) Unmarshal(data []byte) (T, error) {
	var msg T
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}

// envelope wraps a message on its way through Redis.
type envelope struct {
	ID      string `msgpack:"id"`
	Node    string `msgpack:"node"`
	Topic   string `msgpack:"topic"`
	Payload []byte `msgpack:"payload"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := msgpack.Unmarshal(data, &env)
	return env, err
}
