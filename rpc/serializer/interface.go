package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dGrid/lib/transport"
)

// IRPCSerializer is the interface for all Message Serializers.
// Every implementation also satisfies transport.Codec.
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg transport.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *transport.Message) error
}

var _ transport.Codec = IRPCSerializer(nil)

// ByName returns the serializer registered under name (json, gob or binary)
func ByName(name string) (IRPCSerializer, error) {
	switch name {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "binary":
		return NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s (expected one of: json, gob, binary)", name)
	}
}
