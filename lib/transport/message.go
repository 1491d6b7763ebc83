package transport

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Routing
	From   topology.MemberID `json:"from,omitempty"`    // Set by the transport on send
	ViewID uint64            `json:"view_id,omitempty"` // View the sender acted in

	// Transaction fields
	TxID   string    `json:"tx_id,omitempty"`  // Used for: Prepare, Commit, Rollback, Acquire, Release
	Writes []WriteOp `json:"writes,omitempty"` // Used for: Prepare

	// Key fields
	Key        string   `json:"key,omitempty"`         // Used for: Get, Put, Remove, error responses
	Keys       []string `json:"keys,omitempty"`        // Used for: Acquire, Release
	Value      []byte   `json:"value,omitempty"`       // Used for: Put (request), Get (response)
	LifespanMs int64    `json:"lifespan_ms,omitempty"` // Used for: Put
	TimeoutMs  int64    `json:"timeout_ms,omitempty"`  // Used for: Acquire (lease)

	// Response only fields
	Ok     bool   `json:"ok,omitempty"`     // Used for: Get, Acquire, Release responses
	Code   uint64 `json:"code,omitempty"`   // errs.RetCode of a failure
	Err    string `json:"err,omitempty"`    // Empty if no error, otherwise contains the error message
	Member string `json:"member,omitempty"` // Member a failure is attributed to

	// Meta carries JSON encoded payloads (state summaries, formation results, views)
	Meta []byte `json:"meta,omitempty"`
}

// WriteOp is one entry of a transaction's write set as shipped to replicas
type WriteOp struct {
	Key        string               `json:"key"`
	Value      []byte               `json:"value,omitempty"`
	Remove     bool                 `json:"remove,omitempty"`
	LifespanMs int64                `json:"lifespan_ms,omitempty"`
	MaxIdleMs  int64                `json:"max_idle_ms,omitempty"`
	Expected   version.EntryVersion `json:"expected"`         // version the writer validated against
	Absent     bool                 `json:"absent,omitempty"` // the writer saw no live entry; Expected is the last version the key had
	Version    version.EntryVersion `json:"version"`          // version assigned by the committing member
	Created    int64                `json:"created,omitempty"`
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewResponse creates an empty success response of type t
func NewResponse(t MessageType) *Message {
	return &Message{MsgType: t}
}

// NewErrorResponse creates a response of type t carrying err.
// Grid errors keep their code, key and member across the wire.
func NewErrorResponse(t MessageType, err error) *Message {
	msg := &Message{MsgType: t, Code: uint64(errs.CodeOf(err)), Err: err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		msg.Key, msg.Member, msg.Err = e.Key, e.Member, e.Msg
		if cause := e.Unwrap(); cause != nil {
			if msg.Err != "" {
				msg.Err += ": "
			}
			msg.Err += cause.Error()
		}
	}
	return msg
}

// NewPayloadMessage creates a message of type t whose Meta holds v encoded as JSON
func NewPayloadMessage(t MessageType, v any) (*Message, error) {
	msg := &Message{MsgType: t}
	if err := msg.SetPayload(v); err != nil {
		return nil, err
	}
	return msg, nil
}

// AsError rebuilds the error carried by a response (nil on success)
func (m *Message) AsError() error {
	if m == nil {
		return errs.New(errs.RetCInternalError, "empty response")
	}
	if m.Code == uint64(errs.RetCSuccess) && m.Err == "" && m.MsgType != MsgTError {
		return nil
	}
	return errs.FromWire(m.Code, m.Key, m.Member, m.Err)
}

// SetPayload stores v as JSON in Meta
func (m *Message) SetPayload(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s payload", m.MsgType)
	}
	m.Meta = b
	return nil
}

// DecodePayload reads the JSON payload in Meta into v
func (m *Message) DecodePayload(v any) error {
	if len(m.Meta) == 0 {
		return errors.Newf("%s message without payload", m.MsgType)
	}
	return errors.Wrapf(json.Unmarshal(m.Meta, v), "decode %s payload", m.MsgType)
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message exchanged between members and clients.
type MessageType uint8

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred
	MsgTPing                // Liveness probe

	// Transaction protocol

	MsgTTxPrepare  // Validate and stage a write set
	MsgTTxCommit   // Apply a staged write set
	MsgTTxRollback // Discard a staged write set

	// Key fence

	MsgTLCKAcquire // Acquire key locks on the coordinator
	MsgTLCKRelease // Release key locks on the coordinator

	// Cluster lifecycle

	MsgTClusterView     // Query the receiver's view
	MsgTClusterSummary  // Query the receiver's restart summary
	MsgTClusterFormed   // Announce the outcome of a restart reconciliation
	MsgTShutdownDrain   // Phase 1: stop accepting and drain transactions
	MsgTShutdownPersist // Phase 2: flush, persist global state, clear
	MsgTShutdownAbort   // Resume after a failed shutdown
	MsgTShutdown        // Ask the coordinator to run a graceful cluster shutdown
	MsgTStateTransfer   // Fetch every live entry (fresh members)

	// Cache operations (clients)

	MsgTKVGet    // Get a value by key
	MsgTKVPut    // Put a value
	MsgTKVRemove // Remove a key
)

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:         "success",
	MsgTError:           "error",
	MsgTPing:            "ping",
	MsgTTxPrepare:       "prepare",
	MsgTTxCommit:        "commit",
	MsgTTxRollback:      "rollback",
	MsgTLCKAcquire:      "acquire",
	MsgTLCKRelease:      "release",
	MsgTClusterView:     "view",
	MsgTClusterSummary:  "summary",
	MsgTClusterFormed:   "formed",
	MsgTShutdownDrain:   "shutdownDrain",
	MsgTShutdownPersist: "shutdownPersist",
	MsgTShutdownAbort:   "shutdownAbort",
	MsgTShutdown:        "shutdown",
	MsgTStateTransfer:   "stateTransfer",
	MsgTKVGet:           "get",
	MsgTKVPut:           "put",
	MsgTKVRemove:        "remove",
}

// MsgTLast is the highest defined message type
const MsgTLast = MsgTKVRemove

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for mt, name := range messageTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}
