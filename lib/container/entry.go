package container

import (
	"time"

	"github.com/ValentinKolb/dGrid/lib/version"
)

// NoExpiry marks a lifespan or max-idle that never elapses
const NoExpiry time.Duration = -1

// Metadata carries the expiry settings of an entry
type Metadata struct {
	Lifespan time.Duration `json:"lifespan"`
	MaxIdle  time.Duration `json:"max_idle"`
}

// Immortal returns metadata without any expiry
func Immortal() Metadata {
	return Metadata{Lifespan: NoExpiry, MaxIdle: NoExpiry}
}

// WithLifespan returns metadata that expires d after the write
func WithLifespan(d time.Duration) Metadata {
	return Metadata{Lifespan: d, MaxIdle: NoExpiry}.Normalize()
}

// Normalize maps every non-positive duration to NoExpiry
func (m Metadata) Normalize() Metadata {
	if m.Lifespan <= 0 {
		m.Lifespan = NoExpiry
	}
	if m.MaxIdle <= 0 {
		m.MaxIdle = NoExpiry
	}
	return m
}

// Mortal reports whether the entry can expire at all
func (m Metadata) Mortal() bool {
	return m.Lifespan > 0 || m.MaxIdle > 0
}

// Entry is a live, versioned value
type Entry struct {
	Key      string
	Value    []byte
	Metadata Metadata
	Version  version.EntryVersion
	Created  time.Time
	LastUsed time.Time
}

// ExpiresAt returns the instant the entry becomes logically absent.
// The boolean is false for entries that never expire.
func (e Entry) ExpiresAt() (time.Time, bool) {
	var (
		at  time.Time
		set bool
	)
	if e.Metadata.Lifespan > 0 {
		at, set = e.Created.Add(e.Metadata.Lifespan), true
	}
	if e.Metadata.MaxIdle > 0 {
		idle := e.LastUsed.Add(e.Metadata.MaxIdle)
		if !set || idle.Before(at) {
			at, set = idle, true
		}
	}
	return at, set
}

// IsExpired reports whether the entry is logically absent at now
func (e Entry) IsExpired(now time.Time) bool {
	at, ok := e.ExpiresAt()
	return ok && !now.Before(at)
}

// clone copies the value so callers can never alias container memory
func (e Entry) clone() Entry {
	if e.Value != nil {
		v := make([]byte, len(e.Value))
		copy(v, e.Value)
		e.Value = v
	}
	return e
}

// Millis converts a lifespan or max-idle to whole milliseconds as carried on the
// wire and in the store. Partial milliseconds round up, so a mortal duration
// never becomes NoExpiry. NoExpiry maps to -1.
func Millis(d time.Duration) int64 {
	if d <= 0 {
		return -1
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// FromMillis is the inverse of Millis
func FromMillis(ms int64) time.Duration {
	if ms <= 0 {
		return NoExpiry
	}
	return time.Duration(ms) * time.Millisecond
}
