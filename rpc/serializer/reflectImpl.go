package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/cockroachdb/errors"
)

// reflectSerializer encodes whole messages with a reflection based codec (json or gob)
type reflectSerializer struct {
	name      string
	marshal   func(msg *transport.Message) ([]byte, error)
	unmarshal func(b []byte, msg *transport.Message) error
}

// NewJSONSerializer creates a serializer writing messages as json
func NewJSONSerializer() IRPCSerializer {
	return &reflectSerializer{
		name: "json",
		marshal: func(msg *transport.Message) ([]byte, error) {
			return json.Marshal(msg)
		},
		unmarshal: func(b []byte, msg *transport.Message) error {
			return json.Unmarshal(b, msg)
		},
	}
}

// NewGOBSerializer creates a serializer writing messages in the gob format.
// Every message carries its own type description.
func NewGOBSerializer() IRPCSerializer {
	return &reflectSerializer{
		name: "gob",
		marshal: func(msg *transport.Message) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		unmarshal: func(b []byte, msg *transport.Message) error {
			return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (s *reflectSerializer) Serialize(msg transport.Message) ([]byte, error) {
	b, err := s.marshal(&msg)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode %s", s.name, msg.MsgType)
	}
	return b, nil
}

func (s *reflectSerializer) Deserialize(b []byte, msg *transport.Message) error {
	*msg = transport.Message{}
	if err := s.unmarshal(b, msg); err != nil {
		return errors.Wrapf(err, "%s: decode %d bytes", s.name, len(b))
	}
	return nil
}
