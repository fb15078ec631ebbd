// Package store defines the durable persistence abstraction for the TRAILS
// hub: registry rows, mutable session status, the append-only message,
// snapshot, crash, and control-envelope logs. Modeled on the teacher's
// store.Store interface — one abstraction, one primary implementation
// (PostgreSQL via internal/store/postgres), transactions scoping each atomic
// operation named in spec.md §4.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the persisted lifecycle state of a session. See spec.md §4.3.
type State string

const (
	StateScheduled    State = "scheduled"
	StateConnected    State = "connected"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateLostContact  State = "lost_contact"
	StateDone         State = "done"
	StateError        State = "error"
	StateCrashed      State = "crashed"
	StateCancelled    State = "cancelled"
	StateStartFailed  State = "start_failed"
)

// Terminal reports whether the state has no outgoing edges.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateCrashed, StateCancelled, StateLostContact, StateStartFailed:
		return true
	default:
		return false
	}
}

// Direction distinguishes inbound data-path messages from outbound control.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// MessageKind classifies a logged message. Control is reserved for the
// control-envelope log's own kind marker in the unified message log view.
type MessageKind string

const (
	MsgStatus  MessageKind = "Status"
	MsgResult  MessageKind = "Result"
	MsgError   MessageKind = "Error"
	MsgControl MessageKind = "Control"
)

// CrashKind classifies a crash-log row.
type CrashKind string

const (
	CrashConnectionDrop  CrashKind = "connection_drop"
	CrashHeartbeatTimeout CrashKind = "heartbeat_timeout"
	CrashNeverStarted    CrashKind = "never_started"
)

// ProcessInfo mirrors wire.ProcessInfo for storage; kept as a separate type
// so the store package has no dependency on the wire package.
type ProcessInfo struct {
	PID        int    `json:"pid,omitempty"`
	UID        int    `json:"uid,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Address    string `json:"address,omitempty"`
	Executable string `json:"executable,omitempty"`
}

// Registry is the write-once registry row for one participant (spec.md §3).
type Registry struct {
	ID            uuid.UUID    `json:"id"`
	ParentID      *uuid.UUID   `json:"parent_id,omitempty"`
	Name          string       `json:"name"`
	RoleRefs      []string     `json:"role_refs,omitempty"`
	ProcessInfo   *ProcessInfo `json:"process_info,omitempty"`
	Originator    []string     `json:"originator,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	StartDayHint  int64        `json:"start_day_hint"`
	StartDeadline time.Duration `json:"start_deadline"`
	PubKey        []byte       `json:"pub_key,omitempty"`
}

// SessionStatus is the mutable status row for one participant (spec.md §3).
type SessionStatus struct {
	ID            uuid.UUID `json:"id"`
	State         State     `json:"state"`
	LastSeq       int64     `json:"last_seq"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	ServerInstance string   `json:"server_instance"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is one row of the append-only inbound/outbound message log.
type Message struct {
	ID            int64           `json:"id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	Direction     Direction       `json:"direction"`
	Kind          MessageKind     `json:"kind"`
	Seq           int64           `json:"seq"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Snapshot is one row of the append-only snapshot log (latest Status per
// participant, retained distinctly from the message log).
type Snapshot struct {
	ID            int64           `json:"id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	Seq           int64           `json:"seq"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Crash is one row of the append-only crash log.
type Crash struct {
	ID            int64           `json:"id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	DetectedAt    time.Time       `json:"detected_at"`
	Kind          CrashKind       `json:"kind"`
	GapSeconds    float64         `json:"gap_seconds"`
	Aux           json.RawMessage `json:"aux,omitempty"`
}

// ControlEnvelope is one row of the append-only (mutable for ack) control log.
type ControlEnvelope struct {
	ID            int64           `json:"id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	AckedAt       *time.Time      `json:"acked_at,omitempty"`
	AckResult     json.RawMessage `json:"ack_result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateIntentParams bundles the Intent API's create-intent input.
type CreateIntentParams struct {
	ChildID       uuid.UUID
	ParentID      *uuid.UUID
	Name          string
	StartDeadline time.Duration
	RoleRefs      []string
	Originator    []string
}

// Store is the persistence abstraction. All methods are context-aware and
// scope their atomic operation in a transaction where spec.md §4 requires it.
type Store interface {
	// ---- intent / registry ----

	// CreateIntent atomically inserts the registry row (empty pub key) and the
	// session row in state scheduled. Returns trailserr already_exists /
	// unknown_parent / invalid_deadline on violation.
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Registry, error)

	// CancelIntent transitions a scheduled session to cancelled. Returns
	// trailserr not_scheduled if the session has already moved past scheduled.
	CancelIntent(ctx context.Context, childID uuid.UUID) error

	GetRegistry(ctx context.Context, id uuid.UUID) (*Registry, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*SessionStatus, error)

	// SetPubKey writes the public key into the registry row (write-once,
	// enforced by the caller holding the scheduled→connected transition).
	SetPubKey(ctx context.Context, id uuid.UUID, pubKey []byte) error

	// SetProcessInfo records the process/host descriptors a participant
	// reports at first register. A second call (e.g. from a re_register
	// bearing an updated address) overwrites the prior value.
	SetProcessInfo(ctx context.Context, id uuid.UUID, info *ProcessInfo) error

	// TransitionState performs a state transition, stamping UpdatedAt and any
	// of connectedAt/disconnectedAt/serverInstance supplied (nil to leave
	// unchanged). Callers are responsible for checking the edge is legal
	// per spec.md §4.3 before calling.
	TransitionState(ctx context.Context, id uuid.UUID, to State, opts TransitionOpts) error

	// ---- data path ----

	// AppendMessage persists one row to the message log, and — when kind is
	// Status — additionally appends a row to the snapshot log. For inbound
	// messages it advances last_seq, and returns trailserr sequence_violation
	// if seq <= the status's last_seq.
	AppendMessage(ctx context.Context, m Message) error

	LatestSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	RecentMessages(ctx context.Context, id uuid.UUID, limit int) ([]Message, error)

	// ---- crash / control ----

	RecordCrash(ctx context.Context, c Crash) error
	EnqueueControl(ctx context.Context, c ControlEnvelope) (int64, error)
	MarkControlSent(ctx context.Context, id int64, sentAt time.Time) error
	AckControl(ctx context.Context, id int64, ackedAt time.Time, result json.RawMessage) error
	PendingControl(ctx context.Context, id uuid.UUID) ([]ControlEnvelope, error)

	// ---- reconciliation ----

	// ListOwnedNonTerminal returns sessions in connected/running state owned
	// by serverInstance, for the Startup Reconciler.
	ListOwnedNonTerminal(ctx context.Context, serverInstance string) ([]SessionStatus, error)
	// ListScheduledWithDeadline returns scheduled sessions together with their
	// registry row, for re-arming or expiring start-deadline timers at boot.
	ListScheduledWithDeadline(ctx context.Context) ([]ScheduledSession, error)

	Close() error
}

// TransitionOpts carries the optional fields a state transition may stamp.
type TransitionOpts struct {
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	ServerInstance *string
}

// ScheduledSession bundles a registry row with its status for reconciliation.
type ScheduledSession struct {
	Registry Registry
	Status   SessionStatus
}
