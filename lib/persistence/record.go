package persistence

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/version"
)

// recordFormat is the first byte of every encoded record
const recordFormat byte = 1

// headerSize = format(1) + version(16) + lifespan(8) + maxIdle(8) + created(8) + valueLen(4)
const headerSize = 1 + version.EncodedSize + 8 + 8 + 8 + 4

// StoreRecord is the durable copy of a committed entry
type StoreRecord struct {
	Key      string
	Value    []byte
	Metadata container.Metadata
	Version  version.EntryVersion
	Created  time.Time
}

// RecordFromEntry captures an entry for the durable store
func RecordFromEntry(e container.Entry) StoreRecord {
	return StoreRecord{
		Key:      e.Key,
		Value:    e.Value,
		Metadata: e.Metadata,
		Version:  e.Version,
		Created:  e.Created,
	}
}

// Entry converts the record back into a container entry with the stored version and creation time
func (r StoreRecord) Entry() container.Entry {
	return container.Entry{
		Key:      r.Key,
		Value:    r.Value,
		Metadata: r.Metadata.Normalize(),
		Version:  r.Version,
		Created:  r.Created,
		LastUsed: r.Created,
	}
}

// IsExpired reports whether the record's lifespan elapsed at now.
// Max-idle is not tracked durably, a restarted node starts the idle clock again.
func (r StoreRecord) IsExpired(now time.Time) bool {
	lifespan := r.Metadata.Normalize().Lifespan
	return lifespan > 0 && !now.Before(r.Created.Add(lifespan))
}

// Encode serializes the record value part with the format:
// 1 byte format, 16 bytes version, 8 bytes lifespan (ms, signed),
// 8 bytes max-idle (ms, signed), 8 bytes created (unix nanos),
// 4 bytes value length, N bytes value.
// The key is not part of the encoding, backends store it as their own key.
func (r StoreRecord) Encode() []byte {
	meta := r.Metadata.Normalize()
	buf := make([]byte, 0, headerSize+len(r.Value))
	buf = append(buf, recordFormat)
	buf = r.Version.AppendBinary(buf)
	buf = binary.BigEndian.AppendUint64(buf, uint64(container.Millis(meta.Lifespan)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(container.Millis(meta.MaxIdle)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Created.UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Value)))
	return append(buf, r.Value...)
}

// DecodeRecord parses bytes written by Encode
func DecodeRecord(key string, data []byte) (StoreRecord, error) {
	if len(data) < headerSize {
		return StoreRecord{}, fmt.Errorf("record %q too short: %d bytes", key, len(data))
	}
	if data[0] != recordFormat {
		return StoreRecord{}, fmt.Errorf("record %q has unknown format %d", key, data[0])
	}

	v, err := version.Decode(data[1:17])
	if err != nil {
		return StoreRecord{}, err
	}
	lifespan := int64(binary.BigEndian.Uint64(data[17:25]))
	maxIdle := int64(binary.BigEndian.Uint64(data[25:33]))
	created := int64(binary.BigEndian.Uint64(data[33:41]))
	valueLen := binary.BigEndian.Uint32(data[41:45])

	if uint32(len(data)-headerSize) != valueLen {
		return StoreRecord{}, fmt.Errorf("record %q value length mismatch: header %d, actual %d", key, valueLen, len(data)-headerSize)
	}
	value := make([]byte, valueLen)
	copy(value, data[headerSize:])

	return StoreRecord{
		Key:   key,
		Value: value,
		Metadata: container.Metadata{
			Lifespan: container.FromMillis(lifespan),
			MaxIdle:  container.FromMillis(maxIdle),
		},
		Version: v,
		Created: time.Unix(0, created),
	}, nil
}

