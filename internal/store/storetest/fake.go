// Package storetest provides an in-memory store.Store fake for unit tests
// of collaborators (session, intent, reconciler) that need a Store without
// a live PostgreSQL instance.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/trailserr"
)

// Fake is a minimal in-memory implementation of store.Store sufficient for
// exercising the Session Handler, Intent API, and Startup Reconciler
// without a database.
type Fake struct {
	mu       sync.Mutex
	registry map[uuid.UUID]*store.Registry
	status   map[uuid.UUID]*store.SessionStatus
	messages map[uuid.UUID][]store.Message
	snapshots map[uuid.UUID][]store.Snapshot
	crashes  []store.Crash
	controls map[int64]*store.ControlEnvelope
	nextCtrl int64
}

// New constructs an empty Fake.
func New() *Fake {
	return &Fake{
		registry:  make(map[uuid.UUID]*store.Registry),
		status:    make(map[uuid.UUID]*store.SessionStatus),
		messages:  make(map[uuid.UUID][]store.Message),
		snapshots: make(map[uuid.UUID][]store.Snapshot),
		controls:  make(map[int64]*store.ControlEnvelope),
	}
}

func (f *Fake) CreateIntent(ctx context.Context, p store.CreateIntentParams) (*store.Registry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.StartDeadline <= 0 {
		return nil, trailserr.New(trailserr.KindInvalidDeadline, "non-positive")
	}
	if _, exists := f.registry[p.ChildID]; exists {
		return nil, trailserr.New(trailserr.KindAlreadyExists, p.ChildID.String())
	}
	if p.ParentID != nil {
		if _, ok := f.registry[*p.ParentID]; !ok {
			return nil, trailserr.New(trailserr.KindUnknownParent, p.ParentID.String())
		}
	}

	now := time.Now().UTC()
	reg := &store.Registry{
		ID:            p.ChildID,
		ParentID:      p.ParentID,
		Name:          p.Name,
		RoleRefs:      p.RoleRefs,
		Originator:    p.Originator,
		RegisteredAt:  now,
		StartDeadline: p.StartDeadline,
	}
	f.registry[p.ChildID] = reg
	f.status[p.ChildID] = &store.SessionStatus{ID: p.ChildID, State: store.StateScheduled, UpdatedAt: now}
	return reg, nil
}

func (f *Fake) CancelIntent(ctx context.Context, childID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[childID]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, childID.String())
	}
	if s.State != store.StateScheduled {
		return trailserr.New(trailserr.KindNotScheduled, childID.String())
	}
	s.State = store.StateCancelled
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) GetRegistry(ctx context.Context, id uuid.UUID) (*store.Registry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.registry[id]
	if !ok {
		return nil, nil
	}
	cp := *reg
	return &cp, nil
}

func (f *Fake) GetStatus(ctx context.Context, id uuid.UUID) (*store.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) SetPubKey(ctx context.Context, id uuid.UUID, pubKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.registry[id]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, id.String())
	}
	reg.PubKey = pubKey
	return nil
}

func (f *Fake) SetProcessInfo(ctx context.Context, id uuid.UUID, info *store.ProcessInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.registry[id]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, id.String())
	}
	reg.ProcessInfo = info
	return nil
}

func (f *Fake) TransitionState(ctx context.Context, id uuid.UUID, to store.State, opts store.TransitionOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, id.String())
	}
	s.State = to
	if opts.ConnectedAt != nil {
		s.ConnectedAt = opts.ConnectedAt
	}
	if opts.DisconnectedAt != nil {
		s.DisconnectedAt = opts.DisconnectedAt
	}
	if opts.ServerInstance != nil {
		s.ServerInstance = *opts.ServerInstance
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) AppendMessage(ctx context.Context, m store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[m.ParticipantID]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, m.ParticipantID.String())
	}
	if m.Direction == store.DirIn && m.Seq <= s.LastSeq {
		return trailserr.New(trailserr.KindSequenceViolation, "seq violation")
	}
	m.ID = int64(len(f.messages[m.ParticipantID]) + 1)
	m.CreatedAt = time.Now().UTC()
	f.messages[m.ParticipantID] = append(f.messages[m.ParticipantID], m)
	if m.Kind == store.MsgStatus {
		f.snapshots[m.ParticipantID] = append(f.snapshots[m.ParticipantID], store.Snapshot{
			ID: int64(len(f.snapshots[m.ParticipantID]) + 1), ParticipantID: m.ParticipantID,
			Seq: m.Seq, Payload: m.Payload, CreatedAt: m.CreatedAt,
		})
	}
	if m.Direction == store.DirIn {
		s.LastSeq = m.Seq
	}
	return nil
}

func (f *Fake) LatestSnapshot(ctx context.Context, id uuid.UUID) (*store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.snapshots[id]
	if len(snaps) == 0 {
		return nil, nil
	}
	cp := snaps[len(snaps)-1]
	return &cp, nil
}

func (f *Fake) RecentMessages(ctx context.Context, id uuid.UUID, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[id]
	if len(all) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(all) {
		n = len(all)
	}
	out := make([]store.Message, n)
	for i := 0; i < n; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out, nil
}

func (f *Fake) RecordCrash(ctx context.Context, c store.Crash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = int64(len(f.crashes) + 1)
	f.crashes = append(f.crashes, c)
	return nil
}

func (f *Fake) EnqueueControl(ctx context.Context, c store.ControlEnvelope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCtrl++
	c.ID = f.nextCtrl
	c.CreatedAt = time.Now().UTC()
	f.controls[c.ID] = &c
	return c.ID, nil
}

func (f *Fake) MarkControlSent(ctx context.Context, id int64, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.controls[id]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, "control envelope")
	}
	c.SentAt = &sentAt
	return nil
}

func (f *Fake) AckControl(ctx context.Context, id int64, ackedAt time.Time, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.controls[id]
	if !ok {
		return trailserr.New(trailserr.KindUnknown, "control envelope")
	}
	c.AckedAt = &ackedAt
	c.AckResult = result
	return nil
}

func (f *Fake) PendingControl(ctx context.Context, id uuid.UUID) ([]store.ControlEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ControlEnvelope
	for _, c := range f.controls {
		if c.ParticipantID == id && c.SentAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *Fake) ListOwnedNonTerminal(ctx context.Context, serverInstance string) ([]store.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SessionStatus
	for _, s := range f.status {
		if s.ServerInstance == serverInstance && (s.State == store.StateConnected || s.State == store.StateRunning) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *Fake) ListScheduledWithDeadline(ctx context.Context) ([]store.ScheduledSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ScheduledSession
	for id, s := range f.status {
		if s.State == store.StateScheduled {
			out = append(out, store.ScheduledSession{Registry: *f.registry[id], Status: *s})
		}
	}
	return out, nil
}

func (f *Fake) Close() error { return nil }
