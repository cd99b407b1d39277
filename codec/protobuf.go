package codec

import "google.golang.org/protobuf/proto"

// Protobuf is a Codec for proto messages. Construct with NewProtobuf and a
// message constructor so Decode can allocate concrete messages.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *cfgpb.ServerConfig { return &cfgpb.ServerConfig{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}
func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
