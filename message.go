package pkgmessage

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// MsgIDKind discriminates the tagged union MsgID carries.
type MsgIDKind int

const (
	// MsgIDKindInt marks a MsgID holding an integer broker identifier.
	MsgIDKindInt MsgIDKind = iota
	// MsgIDKindString marks a MsgID holding a string broker identifier.
	MsgIDKindString
	// MsgIDKindBytes marks a MsgID holding a byte-string broker identifier.
	MsgIDKindBytes
)

// String returns the string representation of the MsgID kind.
func (k MsgIDKind) String() string {
	switch k {
	case MsgIDKindInt:
		return "MSG_ID_KIND_INT"
	case MsgIDKindString:
		return "MSG_ID_KIND_STRING"
	case MsgIDKindBytes:
		return "MSG_ID_KIND_BYTES"
	default:
		return "MSG_ID_KIND_UNKNOWN"
	}
}

// MsgID is the broker-assigned message identifier: a tagged union of
// integer | string | byte string, opaque to the core. It is comparable,
// so it can be used as a map key and compared for equality, but it is
// explicitly excluded from Message equality (redelivery yields a new id).
//
// MsgID is a value type; byte-string identifiers are stored internally as
// a string so the type remains comparable (Go disallows []byte map keys).
type MsgID struct {
	kind MsgIDKind
	i    int64
	s    string
}

// NewIntMsgID constructs an integer-valued MsgID.
func NewIntMsgID(v int64) MsgID { return MsgID{kind: MsgIDKindInt, i: v} }

// NewStringMsgID constructs a string-valued MsgID.
func NewStringMsgID(v string) MsgID { return MsgID{kind: MsgIDKindString, s: v} }

// NewBytesMsgID constructs a byte-string-valued MsgID.
func NewBytesMsgID(v []byte) MsgID { return MsgID{kind: MsgIDKindBytes, s: string(v)} }

// Kind returns which variant of the tagged union is populated.
func (id MsgID) Kind() MsgIDKind { return id.kind }

// Int returns the integer value and whether the MsgID holds one.
func (id MsgID) Int() (int64, bool) { return id.i, id.kind == MsgIDKindInt }

// String returns the string value and whether the MsgID holds one.
func (id MsgID) String() (string, bool) { return id.s, id.kind == MsgIDKindString }

// Bytes returns the byte-string value and whether the MsgID holds one.
func (id MsgID) Bytes() ([]byte, bool) {
	if id.kind != MsgIDKindBytes {
		return nil, false
	}
	return []byte(id.s), true
}

func (id MsgID) valid() bool {
	switch id.kind {
	case MsgIDKindInt, MsgIDKindString, MsgIDKindBytes:
		return true
	default:
		return false
	}
}

// envelope is the wire shape a Message's payload decodes to: a headers
// map plus the arbitrary user data, per §3's serialization contract.
type envelope struct {
	Headers map[string]any  `json:"headers"`
	Data    json.RawMessage `json:"data"`
}

// Serialize builds the envelope bytes for data with optional headers.
// Any JSON-marshalable data and header map round-trips byte-identical
// through Serialize/(*Message).Data.
func Serialize(data any, headers map[string]any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: serialize data: %w", err)
	}

	env := envelope{Headers: headers, Data: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: serialize envelope: %w", err)
	}
	return out, nil
}

// ackBackend is how a Message reaches back to the consumer that
// delivered it. Bound internally when a consumer yields a Message;
// nil for a Message constructed directly by a caller (e.g. in tests),
// in which case Ack/Nack fail with an *AckError/*NackError wrapping
// ErrAlreadyClosed.
type ackBackend interface {
	ackMessage(ctx context.Context, m *Message) error
	rejectMessage(ctx context.Context, m *Message) error
}

// Message is a broker-agnostic received message: an opaque id, the raw
// envelope payload, and a typed ack_status mutated only by the ack state
// machine (see ack.go).
type Message struct {
	id      MsgID
	payload []byte

	mu      sync.Mutex
	status  AckStatus
	backend ackBackend
}

func (m *Message) muLock()   { m.mu.Lock() }
func (m *Message) muUnlock() { m.mu.Unlock() }

// NewMessage constructs a Message. Construction is rejected when msg_id
// is not one of the permitted tagged-union shapes or payload is nil.
func NewMessage(id MsgID, payload []byte) (*Message, error) {
	if !id.valid() {
		return nil, ErrInvalidMessageID
	}
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	return &Message{id: id, payload: payload, status: AckStatusNone}, nil
}

func (m *Message) bind(backend ackBackend) { m.backend = backend }

// ID returns the broker-assigned identifier. Not stable across
// redeliveries and excluded from Equal.
func (m *Message) ID() MsgID { return m.id }

// Payload returns the raw envelope bytes.
func (m *Message) Payload() []byte { return m.payload }

// Status returns the current ack status.
func (m *Message) Status() AckStatus {
	m.muLock()
	defer m.muUnlock()
	return m.status
}

func (m *Message) envelope() (envelope, error) {
	var env envelope
	if err := json.Unmarshal(m.payload, &env); err != nil {
		return envelope{}, fmt.Errorf("pkgmessage: deserialize envelope: %w", err)
	}
	return env, nil
}

// Headers returns the envelope's header map, used to thread tracing
// context from producer to consumer. Implementations without a tracing
// library may treat it as an opaque round-tripped map.
func (m *Message) Headers() (map[string]any, error) {
	env, err := m.envelope()
	if err != nil {
		return nil, err
	}
	return env.Headers, nil
}

// Data decodes the envelope's data field into out, which must be a
// pointer as with json.Unmarshal.
func (m *Message) Data(out any) error {
	env, err := m.envelope()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("pkgmessage: deserialize data: %w", err)
	}
	return nil
}

// Equal reports whether two messages carry the same deserialized data.
// msg_id is explicitly excluded per §3 (redelivery yields a new id).
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}

	var a, b any
	if err := m.Data(&a); err != nil {
		return false
	}
	if err := other.Data(&b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
