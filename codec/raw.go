package codec

// Bytes is an identity codec for []byte values. Encode and Decode return the
// input unchanged. Useful when callers manage their own serialization.
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) { return v, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
