// Package codec defines the binary serializer interface the core depends on.
//
// Per spec section 1, the byte buffer allocator and binary serializer are
// external collaborators: the core only ever calls through the Serializer
// interface below, never a concrete encoding. GobSerializer is the default
// implementation used by the segment log, the stable store, and the
// transport Dispatcher's request/response bodies unless a caller supplies
// its own; the gRPC envelope around those bodies is gob-encoded directly.
package codec

import (
	"bytes"
	"encoding/gob"
)

// Serializer marshals and unmarshals arbitrary Go values to bytes. The core
// never assumes a particular wire format beyond "round-trips the value it
// was given".
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// GobSerializer is the default Serializer, backed by encoding/gob. It is
// adequate for a single-binary deployment where every node runs the same
// Ravel build; a cross-language deployment would plug in a different
// Serializer (e.g. protobuf) without touching the core.
type GobSerializer struct{}

func (GobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Default is the package-level Serializer used where callers don't supply
// their own.
var Default Serializer = GobSerializer{}
