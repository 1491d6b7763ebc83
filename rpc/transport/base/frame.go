package base

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/cockroachdb/errors"
)

const (
	// frameHeaderSize = channel(8) + requestID(8) + payload length(4)
	frameHeaderSize = 8 + 8 + 4

	// MaxFrameSize bounds the payload of one frame in both directions
	MaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned for a payload above MaxFrameSize
var ErrFrameTooLarge = errors.New("frame exceeds the maximum size")

// writeFrame writes one frame: the big endian header followed by data
func writeFrame(conn net.Conn, channel uint64, requestID uint64, data []byte) error {
	if len(data) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes on channel %d", len(data), channel)
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[:8], channel)
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:], uint32(len(data)))

	b := net.Buffers{header[:], data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame into buf. A buf too small for the payload is
// replaced by a fresh allocation, so a nil buf always yields owned data.
func readFrame(conn net.Conn, buf []byte) (channel uint64, requestID uint64, data []byte, err error) {
	var header [frameHeaderSize]byte
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return 0, 0, nil, err
	}
	channel = binary.BigEndian.Uint64(header[:8])
	requestID = binary.BigEndian.Uint64(header[8:16])
	size := binary.BigEndian.Uint32(header[16:])

	if size > MaxFrameSize {
		return 0, 0, nil, errors.Wrapf(ErrFrameTooLarge, "peer announced %d bytes", size)
	}
	if size == 0 {
		return channel, requestID, []byte{}, nil
	}
	if len(buf) < int(size) {
		buf = make([]byte, size)
	}
	if _, err = io.ReadFull(conn, buf[:size]); err != nil {
		return 0, 0, nil, err
	}
	return channel, requestID, buf[:size], nil
}
