// Package serializer encodes grid protocol messages (transport.Message) for the
// wire. Members and clients must agree on the serializer.
//
// Implementations:
//
//   - binarySerializerImpl: flag based binary format that only encodes present
//     fields. Write sets are encoded inline. Smallest payloads and fastest; the default.
//
//   - NewJSONSerializer: JSON encoding, readable on the wire. Empty byte slices
//     decode as nil.
//
//   - NewGOBSerializer: Go's gob encoding with the type description in every message.
//
// Both reflection based serializers share reflectSerializer and wrap codec
// errors with the format name.
//
// All serializers are stateless and safe for concurrent use. Every IRPCSerializer
// also satisfies transport.Codec, so the in-process network can run the same
// encode/decode cycle as a real deployment:
//
//	s, _ := serializer.ByName("binary")
//	net := transport.NewNetwork(s)
package serializer
