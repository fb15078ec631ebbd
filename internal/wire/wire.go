// Package wire defines the JSON envelopes exchanged over the reference
// WebSocket transport between a child participant and the hub.
//
// Message kinds are a closed, tagged enumeration dispatched on the "type"
// discriminator, never an open interface — keeping the session handler's
// switch total and checkable.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InboundType enumerates the wire messages a participant may send.
type InboundType string

const (
	TypeRegister    InboundType = "register"
	TypeReRegister  InboundType = "re_register"
	TypeMessage     InboundType = "message"
	TypeDisconnect  InboundType = "disconnect"
	TypeControlAck  InboundType = "control_ack"
)

// OutboundType enumerates the wire messages the hub may send.
type OutboundType string

const (
	TypeAck             OutboundType = "ack"
	TypeControl         OutboundType = "control"
	TypeHubShuttingDown OutboundType = "hub_shutting_down"
)

// MsgKind classifies the payload carried by a "message" envelope.
type MsgKind string

const (
	KindStatus MsgKind = "Status"
	KindResult MsgKind = "Result"
	KindError  MsgKind = "Error"
)

// Envelope is the superset of fields across all inbound wire messages.
// A single struct (rather than one type per message) keeps JSON decoding a
// single unmarshal followed by a type switch on Type, matching the pattern
// the teacher's overseer.Client uses for its inbound dispatch envelope.
type Envelope struct {
	Type InboundType `json:"type"`

	// register / re_register
	ChildID        uuid.UUID `json:"child_id,omitempty"`
	ClaimedParent  uuid.UUID `json:"claimed_parent_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	PubKey         []byte    `json:"pub_key,omitempty"`
	ProcessInfo    *ProcessInfo `json:"process_info,omitempty"`
	RoleRefs       []string  `json:"role_refs,omitempty"`
	LastSeq        int64     `json:"last_seq,omitempty"`
	Sig            []byte    `json:"sig,omitempty"`

	// message
	Header  *MessageHeader  `json:"header,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// disconnect
	Reason string `json:"reason,omitempty"`

	// control_ack
	CorrelationID string          `json:"correlation_id,omitempty"`
	AckResult     json.RawMessage `json:"ack_result,omitempty"`
}

// ProcessInfo captures process/host descriptors at registration time.
// All fields are optional — non-process participants may leave them empty.
type ProcessInfo struct {
	PID        int    `json:"pid,omitempty"`
	UID        int    `json:"uid,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Address    string `json:"address,omitempty"`
	Executable string `json:"executable,omitempty"`
}

// MessageHeader is the sub-object on a "message" envelope.
type MessageHeader struct {
	MsgType       MsgKind   `json:"msg_type"`
	Timestamp     time.Time `json:"timestamp"`
	Seq           int64     `json:"seq"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Ack is the outbound acknowledgment for register / re_register / message.
type Ack struct {
	Type             OutboundType `json:"type"`
	Seq              int64        `json:"seq,omitempty"`
	LastPersistedSeq *int64       `json:"last_persisted_seq,omitempty"`
}

// NewAck builds an Ack envelope.
func NewAck(seq int64, lastPersisted *int64) Ack {
	return Ack{Type: TypeAck, Seq: seq, LastPersistedSeq: lastPersisted}
}

// Control is an outbound control message dispatched to a participant.
type Control struct {
	Type          OutboundType    `json:"type"`
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Sig           []byte          `json:"sig,omitempty"`
}

// HubShuttingDown is the outbound graceful-shutdown hint.
type HubShuttingDown struct {
	Type OutboundType `json:"type"`
}

// NewHubShuttingDown builds the hub_shutting_down hint envelope.
func NewHubShuttingDown() HubShuttingDown {
	return HubShuttingDown{Type: TypeHubShuttingDown}
}

// SecurityTier controls whether and how messages are signed/encrypted.
type SecurityTier string

const (
	TierOpen   SecurityTier = "open"
	TierSigned SecurityTier = "signed"
	TierFull   SecurityTier = "full"
)

// RequiresSignature reports whether messages on this tier must carry sig.
func (t SecurityTier) RequiresSignature() bool {
	return t == TierSigned || t == TierFull
}
