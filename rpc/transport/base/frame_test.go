package base

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		buf  []byte
	}{
		{"empty", nil, nil},
		{"fits buffer", []byte("hello"), make([]byte, 64)},
		{"outgrows buffer", []byte("a longer payload"), make([]byte, 4)},
		{"no buffer", []byte{1, 2, 3}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			errCh := make(chan error, 1)
			go func() { errCh <- writeFrame(client, 2, 42, tt.data) }()

			channel, id, data, err := readFrame(server, tt.buf)
			require.NoError(t, err)
			require.NoError(t, <-errCh)
			assert.Equal(t, uint64(2), channel)
			assert.Equal(t, uint64(42), id)
			assert.Equal(t, len(tt.data), len(data))
			if len(tt.data) > 0 {
				assert.Equal(t, tt.data, data)
			}
		})
	}
}

func TestOversizedFramesAreRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	err := writeFrame(client, 1, 1, make([]byte, MaxFrameSize+1))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[16:], MaxFrameSize+1)
	go func() { _, _ = client.Write(header[:]) }()
	_, _, _, err = readFrame(server, nil)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}
