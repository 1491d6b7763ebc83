package persistence

import "errors"

// ErrStopScan may be returned by a Scan callback to end the iteration early without an error
var ErrStopScan = errors.New("stop scan")

// Backend is a key addressable, byte oriented durable medium.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and errors
	Name() string

	// Load returns the bytes stored under key.
	// The boolean indicates whether the key was found.
	Load(key string) ([]byte, bool, error)

	// Store writes data under key, replacing any previous data
	Store(key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Contains reports whether key is stored
	Contains(key string) (bool, error)

	// Scan calls fn for every stored pair until fn returns an error.
	// ErrStopScan ends the scan and Scan returns nil.
	// fn must not retain the data slice after returning.
	Scan(fn func(key string, data []byte) error) error

	// Close releases the medium
	Close() error
}

// BatchOp is one element of a batch write; Data == nil deletes the key
type BatchOp struct {
	Key  string
	Data []byte
}

// BatchWriter is implemented by backends that can apply several writes at once
type BatchWriter interface {
	StoreBatch(ops []BatchOp) error
}

// writeBatch applies ops through the backend's batch support or one by one
func writeBatch(b Backend, ops []BatchOp) error {
	if bw, ok := b.(BatchWriter); ok {
		return bw.StoreBatch(ops)
	}
	for _, op := range ops {
		var err error
		if op.Data == nil {
			err = b.Delete(op.Key)
		} else {
			err = b.Store(op.Key, op.Data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
