// Package session implements the Session Handler (spec.md §4.2): the
// per-connection state machine that accepts a transport, performs
// registration or re-registration, verifies signatures, ingests data
// messages, writes to the store, emits events, and dispatches outbound
// control messages. Grounded on the teacher's overseer.Client read-loop /
// dispatch-by-type idiom, generalized from a dial-out client to an
// accept-side handler.
package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/eventbus"
	"github.com/trailsd/trails/internal/registry"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/timers"
	"github.com/trailsd/trails/internal/trailserr"
	"github.com/trailsd/trails/internal/wire"
)

// Handler wires the Durable Store, Session Registry, Event Bus, and the two
// Lifecycle Timer wheels into the per-connection state machine.
type Handler struct {
	Store        store.Store
	Registry     *registry.Registry
	Bus          *eventbus.Bus
	StartWheel   *timers.Wheel
	GraceWheel   *timers.Wheel
	Conf         *config.Global
	HubInstance  string
	SignerPriv   []byte // ed25519 private key used to sign outbound control, may be nil under tier open
}

// sigFailures tracks consecutive signature-verification failures per live
// connection so the Handler can close the transport past the configured
// threshold (spec.md §7 signature_invalid disposition).
type connState struct {
	c           *conn
	sigFailures int
}

// HandleConnection owns one transport end to end: it reads the first
// message (must be register or re_register), then loops reading and
// dispatching subsequent messages until the transport closes. Call this in
// its own goroutine per accepted transport.
func (h *Handler) HandleConnection(ctx context.Context, t Transport) {
	raw, err := t.ReadMessage()
	if err != nil {
		t.Close()
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Close()
		return
	}

	var cs *connState
	switch env.Type {
	case wire.TypeRegister:
		cs, err = h.register(ctx, t, env)
	case wire.TypeReRegister:
		cs, err = h.reRegister(ctx, t, env)
	default:
		err = trailserr.New(trailserr.KindNotExpected, "first message must be register or re_register")
	}
	if err != nil {
		log.Printf("session: first-contact rejected: %v", err)
		t.Close()
		return
	}

	h.readLoop(ctx, cs)
}

func (h *Handler) readLoop(ctx context.Context, cs *connState) {
	defer h.onTransportLoss(ctx, cs)

	for {
		raw, err := cs.c.transport.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("session: %s: malformed message discarded", cs.c.id)
			continue
		}

		switch env.Type {
		case wire.TypeMessage:
			h.ingest(ctx, cs, env)
		case wire.TypeDisconnect:
			h.gracefulDisconnect(ctx, cs, env)
			return
		case wire.TypeControlAck:
			h.controlAck(ctx, cs, env)
		case wire.TypeRegister, wire.TypeReRegister:
			log.Printf("session: %s: re-sent register on established connection, discarded", cs.c.id)
		default:
			log.Printf("session: %s: unknown message type %q discarded", cs.c.id, env.Type)
		}
	}
}

// register implements spec.md §4.2 "Register (first-contact)".
func (h *Handler) register(ctx context.Context, t Transport, env wire.Envelope) (*connState, error) {
	reg, err := h.Store.GetRegistry(ctx, env.ChildID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, trailserr.New(trailserr.KindUnknown, env.ChildID.String())
	}

	status, err := h.Store.GetStatus(ctx, env.ChildID)
	if err != nil {
		return nil, err
	}
	if status == nil || status.State != store.StateScheduled {
		return nil, trailserr.New(trailserr.KindNotExpected, string(status.State))
	}

	if reg.ParentID != nil && *reg.ParentID != env.ClaimedParent {
		return nil, trailserr.New(trailserr.KindParentMismatch, env.ClaimedParent.String())
	}

	tier := h.Conf.Get().SecurityTier
	if tier.RequiresSignature() {
		data := canonicalRegisterBytes(env.ChildID, env.ClaimedParent, env.Name, env.PubKey)
		if !verify(env.PubKey, data, env.Sig) {
			return nil, trailserr.New(trailserr.KindSignatureInvalid, "register self-proof")
		}
	}

	c := newConn(env.ChildID, t)
	if h.Registry.TryClaim(env.ChildID, c) == registry.ClaimAlready {
		return nil, trailserr.New(trailserr.KindAlreadyConnected, env.ChildID.String())
	}

	if err := h.Store.SetPubKey(ctx, env.ChildID, env.PubKey); err != nil {
		h.Registry.Release(env.ChildID, c)
		return nil, err
	}

	if env.ProcessInfo != nil {
		if err := h.Store.SetProcessInfo(ctx, env.ChildID, toStoreProcessInfo(env.ProcessInfo)); err != nil {
			log.Printf("session: %s: process_info persist failed: %v", env.ChildID, err)
		}
	}

	now := time.Now().UTC()
	serverInstance := h.HubInstance
	// Open Question 1: this implementation transitions directly to running
	// on successful register rather than waiting for the first data
	// message, matching the teacher's eager-ready idiom elsewhere in the
	// pack. Documented in DESIGN.md.
	if err := h.Store.TransitionState(ctx, env.ChildID, store.StateRunning, store.TransitionOpts{
		ConnectedAt:    &now,
		ServerInstance: &serverInstance,
	}); err != nil {
		h.Registry.Release(env.ChildID, c)
		return nil, err
	}

	h.StartWheel.Disarm(env.ChildID)
	h.Bus.Publish(eventbus.Event{ParticipantID: env.ChildID, Kind: eventbus.KindStateChange})

	ack := wire.NewAck(0, nil)
	if err := h.sendAck(c, ack); err != nil {
		log.Printf("session: %s: ack write failed: %v", env.ChildID, err)
	}

	return &connState{c: c}, nil
}

// reRegister implements spec.md §4.2 "Re-register (reconnection)".
func (h *Handler) reRegister(ctx context.Context, t Transport, env wire.Envelope) (*connState, error) {
	reg, err := h.Store.GetRegistry(ctx, env.ChildID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, trailserr.New(trailserr.KindUnknown, env.ChildID.String())
	}
	if !keysEqual(reg.PubKey, env.PubKey) {
		return nil, trailserr.New(trailserr.KindKeyMismatch, env.ChildID.String())
	}

	tier := h.Conf.Get().SecurityTier
	if tier.RequiresSignature() {
		data := canonicalRegisterBytes(env.ChildID, env.ClaimedParent, env.Name, env.PubKey)
		if !verify(reg.PubKey, data, env.Sig) {
			return nil, trailserr.New(trailserr.KindSignatureInvalid, "re_register proof")
		}
	}

	status, err := h.Store.GetStatus(ctx, env.ChildID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, trailserr.New(trailserr.KindUnknown, env.ChildID.String())
	}

	c := newConn(env.ChildID, t)

	switch status.State {
	case store.StateConnected, store.StateRunning:
		// Last-writer-wins duplicate-transport policy (§9 Open Question 3):
		// evict and close the prior transport, then proceed as this one.
		prev := h.Registry.Force(env.ChildID, c)
		if prevConn, ok := prev.(*conn); ok && prevConn != nil {
			log.Printf("session: %s: duplicate transport, closing prior (last-writer-wins)", env.ChildID)
			prevConn.closeTransport()
		}
	case store.StateReconnecting:
		if h.Registry.TryClaim(env.ChildID, c) == registry.ClaimAlready {
			return nil, trailserr.New(trailserr.KindAlreadyConnected, env.ChildID.String())
		}
	default:
		return nil, trailserr.New(trailserr.KindNotExpected, string(status.State))
	}

	now := time.Now().UTC()
	serverInstance := h.HubInstance
	if err := h.Store.TransitionState(ctx, env.ChildID, store.StateRunning, store.TransitionOpts{
		ConnectedAt:    &now,
		ServerInstance: &serverInstance,
	}); err != nil {
		h.Registry.Release(env.ChildID, c)
		return nil, err
	}

	if env.ProcessInfo != nil {
		if err := h.Store.SetProcessInfo(ctx, env.ChildID, toStoreProcessInfo(env.ProcessInfo)); err != nil {
			log.Printf("session: %s: process_info persist failed: %v", env.ChildID, err)
		}
	}

	h.GraceWheel.Disarm(env.ChildID)
	h.Bus.Publish(eventbus.Event{ParticipantID: env.ChildID, Kind: eventbus.KindStateChange})

	// B2: last_seq in the re_register request may exceed the server's
	// durable last_seq; the ack still reports the server's own view.
	lastPersisted := status.LastSeq
	ack := wire.NewAck(env.LastSeq, &lastPersisted)
	if err := h.sendAck(c, ack); err != nil {
		log.Printf("session: %s: ack write failed: %v", env.ChildID, err)
	}

	return &connState{c: c}, nil
}

// ingest implements spec.md §4.2 "Data-path ingest".
func (h *Handler) ingest(ctx context.Context, cs *connState, env wire.Envelope) {
	status, err := h.Store.GetStatus(ctx, cs.c.id)
	if err != nil {
		log.Printf("session: %s: status lookup failed: %v", cs.c.id, err)
		return
	}
	if status == nil || (status.State != store.StateConnected && status.State != store.StateRunning) {
		log.Printf("session: %s: message discarded, session not connected/running", cs.c.id)
		return
	}

	if env.Header == nil {
		log.Printf("session: %s: message missing header, discarded", cs.c.id)
		return
	}

	tier := h.Conf.Get().SecurityTier
	if tier.RequiresSignature() {
		reg, err := h.Store.GetRegistry(ctx, cs.c.id)
		if err != nil || reg == nil {
			return
		}
		data := canonicalMessageBytes(env.Header, env.Payload)
		if !verify(reg.PubKey, data, env.Sig) {
			cs.sigFailures++
			log.Printf("session: %s: signature_invalid (%d consecutive)", cs.c.id, cs.sigFailures)
			if cs.sigFailures >= h.Conf.Get().SignatureFailureThreshold {
				cs.c.closeTransport()
			}
			return
		}
		cs.sigFailures = 0
	}

	// B3 / I4: strict per-session sequence monotonicity.
	if env.Header.Seq <= status.LastSeq {
		log.Printf("session: %s: sequence_violation seq=%d last_seq=%d, discarded", cs.c.id, env.Header.Seq, status.LastSeq)
		return
	}

	kind := store.MessageKind(env.Header.MsgType)
	msg := store.Message{
		ParticipantID: cs.c.id,
		Direction:     store.DirIn,
		Kind:          kind,
		Seq:           env.Header.Seq,
		CorrelationID: env.Header.CorrelationID,
		Payload:       env.Payload,
	}
	if err := h.Store.AppendMessage(ctx, msg); err != nil {
		if trailserr.Is(err, trailserr.KindSequenceViolation) {
			log.Printf("session: %s: sequence_violation on append, discarded", cs.c.id)
		} else {
			log.Printf("session: %s: store_unavailable on message append: %v", cs.c.id, err)
		}
		return
	}

	h.Bus.Publish(eventbus.Event{ParticipantID: cs.c.id, Kind: eventbus.KindData})
}

// gracefulDisconnect implements spec.md §4.2 "Graceful disconnect".
func (h *Handler) gracefulDisconnect(ctx context.Context, cs *connState, env wire.Envelope) {
	to := store.StateDone
	recent, err := h.Store.RecentMessages(ctx, cs.c.id, 1)
	if err == nil && len(recent) == 1 {
		switch recent[0].Kind {
		case store.MsgResult:
			to = store.StateDone
		case store.MsgError:
			to = store.StateError
		}
	}

	now := time.Now().UTC()
	if err := h.Store.TransitionState(ctx, cs.c.id, to, store.TransitionOpts{DisconnectedAt: &now}); err != nil {
		log.Printf("session: %s: graceful disconnect transition failed: %v", cs.c.id, err)
	}

	h.Registry.Release(cs.c.id, cs.c)
	h.Bus.Publish(eventbus.Event{ParticipantID: cs.c.id, Kind: eventbus.KindTerminal})
	cs.c.closeTransport()
}

// onTransportLoss implements spec.md §4.2 "Transport loss (ungraceful)".
// Invoked via defer when the read loop exits for any reason other than an
// explicit graceful disconnect (which returns early after releasing the
// registry slot itself, making this a safe no-op in that case).
func (h *Handler) onTransportLoss(ctx context.Context, cs *connState) {
	if !h.Registry.Live(cs.c.id) {
		return // already released by gracefulDisconnect
	}

	now := time.Now().UTC()
	if err := h.Store.TransitionState(ctx, cs.c.id, store.StateReconnecting, store.TransitionOpts{DisconnectedAt: &now}); err != nil {
		log.Printf("session: %s: transport-loss transition failed: %v", cs.c.id, err)
	}

	h.Registry.Release(cs.c.id, cs.c)
	cs.c.closeTransport()

	grace := h.Conf.Get().ReconnectGrace
	h.GraceWheel.Arm(cs.c.id, time.Now().Add(grace))
}

func (h *Handler) controlAck(ctx context.Context, cs *connState, env wire.Envelope) {
	// The correlation id identifies the control envelope being acknowledged;
	// acking is opaque to the hub (spec.md non-goal: no control semantics),
	// so the Handler only records the ack against the durable log.
	if env.CorrelationID == "" {
		return
	}
	now := time.Now().UTC()
	pending, err := h.Store.PendingControl(ctx, cs.c.id)
	if err != nil {
		log.Printf("session: %s: control_ack lookup failed: %v", cs.c.id, err)
		return
	}
	for _, p := range pending {
		if p.CorrelationID == env.CorrelationID {
			if err := h.Store.AckControl(ctx, p.ID, now, env.AckResult); err != nil {
				log.Printf("session: %s: control_ack record failed: %v", cs.c.id, err)
			}
			h.Bus.Publish(eventbus.Event{ParticipantID: cs.c.id, Kind: eventbus.KindControlAck, PayloadRef: p.ID})
			return
		}
	}
}

func (h *Handler) sendAck(c *conn, ack wire.Ack) error {
	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return c.Deliver(raw)
}

// DispatchControl implements spec.md §4.2 "Outbound dispatch": the
// Handler's side of the Intent API's inject_outbound_control. It always
// durably persists the control envelope first, then attempts live delivery.
func (h *Handler) DispatchControl(ctx context.Context, participantID uuid.UUID, action string, payload json.RawMessage, correlationID string) (delivered bool, err error) {
	id, err := h.Store.EnqueueControl(ctx, store.ControlEnvelope{
		ParticipantID: participantID,
		Action:        action,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	if err != nil {
		return false, err
	}

	ctrl := wire.Control{Type: wire.TypeControl, Action: action, CorrelationID: correlationID, Payload: payload}
	if h.Conf.Get().SecurityTier.RequiresSignature() && len(h.SignerPriv) > 0 {
		ctrl.Sig = signControl(h.SignerPriv, ctrl)
	}
	raw, err := json.Marshal(ctrl)
	if err != nil {
		return false, err
	}

	result := h.Registry.Route(participantID, raw)
	if result == registry.RouteDelivered {
		now := time.Now().UTC()
		if err := h.Store.MarkControlSent(ctx, id, now); err != nil {
			log.Printf("session: %s: mark control sent failed: %v", participantID, err)
		}
		return true, nil
	}
	return false, nil
}

// BroadcastShutdownHint sends hub_shutting_down to every live session, for
// graceful-shutdown draining (spec.md §5).
func (h *Handler) BroadcastShutdownHint(ids []uuid.UUID) {
	hint := wire.NewHubShuttingDown()
	raw, err := json.Marshal(hint)
	if err != nil {
		return
	}
	for _, id := range ids {
		h.Registry.Route(id, raw)
	}
}

// toStoreProcessInfo converts the wire representation of a participant's
// process/host descriptors into the store's own type, keeping the store
// package free of a dependency on wire.
func toStoreProcessInfo(pi *wire.ProcessInfo) *store.ProcessInfo {
	if pi == nil {
		return nil
	}
	return &store.ProcessInfo{
		PID:        pi.PID,
		UID:        pi.UID,
		Hostname:   pi.Hostname,
		Address:    pi.Address,
		Executable: pi.Executable,
	}
}
