package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasFrom uint16 = 1 << iota
	hasViewID
	hasTxID
	hasWrites
	hasKey
	hasKeys
	hasValue
	hasLifespan
	hasTimeout
	hasOk
	hasCode
	hasErr
	hasMember
	hasMeta
)

// write op flags
const (
	opHasValue byte = 1 << 0
	opRemove   byte = 1 << 1
	opAbsent   byte = 1 << 2
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

// Serialize writes the message type (1 byte), the field flags (2 bytes) and
// then every present field in flag order. Strings and byte slices are
// prefixed with their length (4 bytes), integers are 8 bytes, all big endian.
func (b binarySerializerImpl) Serialize(msg transport.Message) ([]byte, error) {
	var flags uint16
	buf := make([]byte, 3, b.sizeBytes(msg))
	buf[0] = byte(msg.MsgType)

	if msg.From != "" {
		flags |= hasFrom
		buf = appendString(buf, string(msg.From))
	}
	if msg.ViewID != 0 {
		flags |= hasViewID
		buf = binary.BigEndian.AppendUint64(buf, msg.ViewID)
	}
	if msg.TxID != "" {
		flags |= hasTxID
		buf = appendString(buf, msg.TxID)
	}
	if msg.Writes != nil {
		flags |= hasWrites
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Writes)))
		for _, w := range msg.Writes {
			buf = appendWriteOp(buf, w)
		}
	}
	if msg.Key != "" {
		flags |= hasKey
		buf = appendString(buf, msg.Key)
	}
	if msg.Keys != nil {
		flags |= hasKeys
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Keys)))
		for _, k := range msg.Keys {
			buf = appendString(buf, k)
		}
	}
	if msg.Value != nil {
		flags |= hasValue
		buf = appendBytes(buf, msg.Value)
	}
	if msg.LifespanMs != 0 {
		flags |= hasLifespan
		buf = binary.BigEndian.AppendUint64(buf, uint64(msg.LifespanMs))
	}
	if msg.TimeoutMs != 0 {
		flags |= hasTimeout
		buf = binary.BigEndian.AppendUint64(buf, uint64(msg.TimeoutMs))
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Code != 0 {
		flags |= hasCode
		buf = binary.BigEndian.AppendUint64(buf, msg.Code)
	}
	if msg.Err != "" {
		flags |= hasErr
		buf = appendString(buf, msg.Err)
	}
	if msg.Member != "" {
		flags |= hasMember
		buf = appendString(buf, msg.Member)
	}
	if msg.Meta != nil {
		flags |= hasMeta
		buf = appendBytes(buf, msg.Meta)
	}

	binary.BigEndian.PutUint16(buf[1:3], flags)
	return buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *transport.Message) error {
	if len(data) < 3 {
		return fmt.Errorf("data too short for message header")
	}
	*msg = transport.Message{MsgType: transport.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: 3}

	if flags&hasFrom != 0 {
		msg.From = topology.MemberID(r.str("from"))
	}
	if flags&hasViewID != 0 {
		msg.ViewID = r.u64("view id")
	}
	if flags&hasTxID != 0 {
		msg.TxID = r.str("tx id")
	}
	if flags&hasWrites != 0 {
		n := r.u32("write count")
		if r.err == nil && int(n) > len(data) {
			return fmt.Errorf("invalid write count %d", n)
		}
		msg.Writes = make([]transport.WriteOp, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			msg.Writes = append(msg.Writes, r.writeOp())
		}
	}
	if flags&hasKey != 0 {
		msg.Key = r.str("key")
	}
	if flags&hasKeys != 0 {
		n := r.u32("key count")
		if r.err == nil && int(n) > len(data) {
			return fmt.Errorf("invalid key count %d", n)
		}
		msg.Keys = make([]string, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			msg.Keys = append(msg.Keys, r.str("keys"))
		}
	}
	if flags&hasValue != 0 {
		msg.Value = r.blob("value")
	}
	if flags&hasLifespan != 0 {
		msg.LifespanMs = int64(r.u64("lifespan"))
	}
	if flags&hasTimeout != 0 {
		msg.TimeoutMs = int64(r.u64("timeout"))
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasCode != 0 {
		msg.Code = r.u64("code")
	}
	if flags&hasErr != 0 {
		msg.Err = r.str("err")
	}
	if flags&hasMember != 0 {
		msg.Member = r.str("member")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.blob("meta")
	}
	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg transport.Message) int {
	// 1 byte for MsgType + 2 bytes for flags
	size := 3
	size += 4 + len(msg.From) + 8 + 4 + len(msg.TxID) + 4 + len(msg.Key)
	size += 4
	for _, w := range msg.Writes {
		size += 4 + len(w.Key) + 1 + 4 + len(w.Value) + 3*8 + 2*version.EncodedSize
	}
	size += 4
	for _, k := range msg.Keys {
		size += 4 + len(k)
	}
	size += 4 + len(msg.Value) + 8 + 8 + 8
	size += 4 + len(msg.Err) + 4 + len(msg.Member) + 4 + len(msg.Meta)
	return size
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendWriteOp(buf []byte, w transport.WriteOp) []byte {
	buf = appendString(buf, w.Key)
	var flags byte
	if w.Value != nil {
		flags |= opHasValue
	}
	if w.Remove {
		flags |= opRemove
	}
	if w.Absent {
		flags |= opAbsent
	}
	buf = append(buf, flags)
	if w.Value != nil {
		buf = appendBytes(buf, w.Value)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(w.LifespanMs))
	buf = binary.BigEndian.AppendUint64(buf, uint64(w.MaxIdleMs))
	buf = w.Expected.AppendBinary(buf)
	buf = w.Version.AppendBinary(buf)
	return binary.BigEndian.AppendUint64(buf, uint64(w.Created))
}

// reader decodes fields sequentially and remembers the first error
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) u32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) u8(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

// blob returns a copy; a present but empty field decodes to an empty, non-nil slice
func (r *reader) blob(field string) []byte {
	n := int(r.u32(field + " length"))
	if !r.need(n, field) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *reader) str(field string) string {
	n := int(r.u32(field + " length"))
	if !r.need(n, field) {
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *reader) ver(field string) version.EntryVersion {
	if !r.need(version.EncodedSize, field) {
		return version.EntryVersion{}
	}
	v, _ := version.Decode(r.data[r.pos:])
	r.pos += version.EncodedSize
	return v
}

func (r *reader) writeOp() transport.WriteOp {
	w := transport.WriteOp{Key: r.str("write key")}
	flags := r.u8("write flags")
	if flags&opHasValue != 0 {
		w.Value = r.blob("write value")
	}
	w.Remove = flags&opRemove != 0
	w.Absent = flags&opAbsent != 0
	w.LifespanMs = int64(r.u64("write lifespan"))
	w.MaxIdleMs = int64(r.u64("write max idle"))
	w.Expected = r.ver("write expected version")
	w.Version = r.ver("write version")
	w.Created = int64(r.u64("write created"))
	return w
}
