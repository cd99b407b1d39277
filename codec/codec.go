// Package codec translates typed values to and from store documents.
// One codec is registered per cached type; the engine never reflects over
// values at runtime.
package codec

// Codec encodes/decodes values V to []byte for the store and the byte cache.
// A Decode failure is treated by the engine as a malformed document: the
// entry is invalidated rather than cached.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
