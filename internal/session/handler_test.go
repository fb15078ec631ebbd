package session

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/eventbus"
	"github.com/trailsd/trails/internal/registry"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/store/storetest"
	"github.com/trailsd/trails/internal/timers"
	"github.com/trailsd/trails/internal/wire"
)

// fakeTransport is an in-memory session.Transport: writes land in outbox,
// reads are served from inbox. Closing inbox's producer side signals EOF.
type fakeTransport struct {
	mu     sync.Mutex
	inbox  chan []byte
	outbox [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	b, ok := <-f.inbox
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func (f *fakeTransport) WriteMessage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeTransport) send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	f.inbox <- raw
}

func (f *fakeTransport) lastWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbox) == 0 {
		return nil
	}
	return f.outbox[len(f.outbox)-1]
}

func testHandler(t *testing.T) (*Handler, *storetest.Fake) {
	t.Helper()
	st := storetest.New()
	conf, err := config.Load("")
	require.NoError(t, err)
	d := conf.Get()
	d.SecurityTier = wire.TierOpen // keep most tests signature-free; dedicated tests cover signed tier
	d.ReconnectGrace = 50 * time.Millisecond
	require.NoError(t, conf.Set(d))

	h := &Handler{
		Store:       st,
		Registry:    registry.New(),
		Bus:         eventbus.New(),
		StartWheel:  timers.NewStartDeadlineWheel(func(uuid.UUID) {}),
		GraceWheel:  timers.NewReconnectGraceWheel(func(uuid.UUID) {}),
		Conf:        conf,
		HubInstance: "test-hub",
	}
	t.Cleanup(func() {
		h.StartWheel.Close()
		h.GraceWheel.Close()
		h.Bus.Close()
	})
	return h, st
}

func scheduleChild(t *testing.T, st *storetest.Fake, childID uuid.UUID, deadline time.Duration) {
	t.Helper()
	_, err := st.CreateIntent(context.Background(), store.CreateIntentParams{
		ChildID: childID, Name: "child", StartDeadline: deadline,
	})
	require.NoError(t, err)
}

// TestRegisterHappyPath covers S2: register, one Status message, graceful
// disconnect with reason=completed, ending in done.
func TestRegisterHappyPath(t *testing.T) {
	h, st := testHandler(t)
	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	ft := newFakeTransport()
	ft.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})
	ft.send(t, wire.Envelope{
		Type:    wire.TypeMessage,
		Header:  &wire.MessageHeader{MsgType: wire.KindStatus, Seq: 1, Timestamp: time.Now()},
		Payload: json.RawMessage(`{"phase":"p"}`),
	})
	ft.send(t, wire.Envelope{Type: wire.TypeDisconnect, Reason: "completed"})

	done := make(chan struct{})
	go func() {
		h.HandleConnection(context.Background(), ft)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}

	status, err := st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDone, status.State)

	snap, err := st.LatestSnapshot(context.Background(), childID)
	require.NoError(t, err)
	require.NotNil(t, snap)

	reg, err := st.GetRegistry(context.Background(), childID)
	require.NoError(t, err)
	assert.Nil(t, reg.PubKey) // open tier: no pub key presented in this test
}

// TestDuplicateRegisterRejected covers R3: a second register for a session
// that is already running is rejected (with not_expected, since the state
// check runs before the registry claim); the existing session is unaffected.
func TestDuplicateRegisterRejected(t *testing.T) {
	h, st := testHandler(t)
	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	first := newFakeTransport()
	first.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})
	go h.HandleConnection(context.Background(), first)
	time.Sleep(50 * time.Millisecond)

	status, err := st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, status.State)

	second := newFakeTransport()
	second.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})
	h.HandleConnection(context.Background(), second) // returns synchronously on rejection

	status, err = st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, status.State) // unaffected
}

// TestSequenceViolationDiscarded covers B3: seq <= last_seq is discarded.
func TestSequenceViolationDiscarded(t *testing.T) {
	h, st := testHandler(t)
	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	ft := newFakeTransport()
	ft.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})
	ft.send(t, wire.Envelope{
		Type: wire.TypeMessage, Header: &wire.MessageHeader{MsgType: wire.KindStatus, Seq: 5}, Payload: json.RawMessage(`{}`),
	})
	ft.send(t, wire.Envelope{
		Type: wire.TypeMessage, Header: &wire.MessageHeader{MsgType: wire.KindStatus, Seq: 5}, Payload: json.RawMessage(`{}`), // seq == last_seq
	})
	ft.send(t, wire.Envelope{
		Type: wire.TypeMessage, Header: &wire.MessageHeader{MsgType: wire.KindStatus, Seq: 3}, Payload: json.RawMessage(`{}`), // seq < last_seq
	})
	ft.send(t, wire.Envelope{Type: wire.TypeDisconnect, Reason: "completed"})

	done := make(chan struct{})
	go func() {
		h.HandleConnection(context.Background(), ft)
		close(done)
	}()
	<-done

	msgs, err := st.RecentMessages(context.Background(), childID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1) // only the first (seq=5) message was accepted
}

// TestTransportLossArmsGraceTimer covers the ungraceful-loss path of §4.2,
// transitioning to reconnecting and arming the reconnection-grace wheel.
func TestTransportLossArmsGraceTimer(t *testing.T) {
	h, st := testHandler(t)
	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	ft := newFakeTransport()
	ft.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})

	done := make(chan struct{})
	go func() {
		h.HandleConnection(context.Background(), ft)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)

	ft.Close() // ungraceful: EOF without a disconnect message

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after transport loss")
	}

	status, err := st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateReconnecting, status.State)
	assert.False(t, h.Registry.Live(childID))
}

// TestReRegisterAfterLoss covers S5: re-register before grace expiry
// transitions back to running and disarms the grace timer.
func TestReRegisterAfterLoss(t *testing.T) {
	h, st := testHandler(t)
	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	first := newFakeTransport()
	first.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child"})
	go h.HandleConnection(context.Background(), first)
	time.Sleep(30 * time.Millisecond)
	first.Close()
	time.Sleep(30 * time.Millisecond)

	second := newFakeTransport()
	second.send(t, wire.Envelope{Type: wire.TypeReRegister, ChildID: childID, LastSeq: 5})
	go h.HandleConnection(context.Background(), second)
	time.Sleep(30 * time.Millisecond)

	status, err := st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, status.State)

	var ack wire.Ack
	require.NoError(t, json.Unmarshal(second.lastWritten(), &ack))
	assert.Equal(t, wire.TypeAck, ack.Type)
	require.NotNil(t, ack.LastPersistedSeq)
}

// TestSignedTierRejectsBadSignature exercises the signed security tier.
func TestSignedTierRejectsBadSignature(t *testing.T) {
	h, st := testHandler(t)
	d := h.Conf.Get()
	d.SecurityTier = wire.TierSigned
	require.NoError(t, h.Conf.Set(d))

	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ft := newFakeTransport()
	ft.send(t, wire.Envelope{
		Type: wire.TypeRegister, ChildID: childID, Name: "child", PubKey: pub, Sig: []byte("not-a-real-signature"),
	})

	done := make(chan struct{})
	go func() {
		h.HandleConnection(context.Background(), ft)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not reject bad signature")
	}

	status, err := st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateScheduled, status.State) // unchanged — register was rejected
}

// TestSignedTierAcceptsValidSignature mirrors the above with a real
// signature over the canonical register bytes.
func TestSignedTierAcceptsValidSignature(t *testing.T) {
	h, st := testHandler(t)
	d := h.Conf.Get()
	d.SecurityTier = wire.TierSigned
	require.NoError(t, h.Conf.Set(d))

	childID := uuid.New()
	scheduleChild(t, st, childID, 300*time.Second)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	data := canonicalRegisterBytes(childID, uuid.UUID{}, "child", pub)
	sig := ed25519.Sign(priv, data)

	ft := newFakeTransport()
	ft.send(t, wire.Envelope{Type: wire.TypeRegister, ChildID: childID, Name: "child", PubKey: pub, Sig: sig})
	ft.send(t, wire.Envelope{Type: wire.TypeDisconnect, Reason: "completed"})

	done := make(chan struct{})
	go func() {
		h.HandleConnection(context.Background(), ft)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}

	status, err := st.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDone, status.State)
}
