// Package hub wires the Durable Store, Session Registry, Event Bus,
// Lifecycle Timers, Session Handler, Intent API, and Startup Reconciler into
// one running process, and owns graceful shutdown. Grounded on the
// teacher's backend/main.go dependency-wiring sequence (config → store →
// router Deps → http.Server), generalized from one flat main function into
// a reusable Hub type so cmd/trailsd stays a thin entrypoint.
package hub

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/eventbus"
	"github.com/trailsd/trails/internal/intent"
	"github.com/trailsd/trails/internal/reconciler"
	"github.com/trailsd/trails/internal/registry"
	"github.com/trailsd/trails/internal/session"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/timers"
	"github.com/trailsd/trails/internal/transport"
)

// Hub owns every core component for one hub process.
type Hub struct {
	Conf     *config.Global
	Store    store.Store
	Registry *registry.Registry
	Bus      *eventbus.Bus

	startWheel *timers.Wheel
	graceWheel *timers.Wheel

	Handler *session.Handler
	Intent  *intent.API

	Transport *transport.Server
}

// New constructs a Hub with all components wired, including the timer
// expiry handlers that implement spec.md §4.4's atomic expiry transitions.
// It does not yet start accepting connections or run the Startup Reconciler
// — call Reconcile then Serve.
func New(conf *config.Global, st store.Store, addr string, signerPriv []byte) *Hub {
	h := &Hub{
		Conf:     conf,
		Store:    st,
		Registry: registry.New(),
		Bus:      eventbus.New(),
	}

	h.startWheel = timers.NewStartDeadlineWheel(h.onStartDeadlineExpiry)
	h.graceWheel = timers.NewReconnectGraceWheel(h.onReconnectGraceExpiry)

	h.Handler = &session.Handler{
		Store:       st,
		Registry:    h.Registry,
		Bus:         h.Bus,
		StartWheel:  h.startWheel,
		GraceWheel:  h.graceWheel,
		Conf:        conf,
		HubInstance: conf.Get().HubInstance,
		SignerPriv:  signerPriv,
	}

	h.Intent = &intent.API{
		Store:      st,
		Bus:        h.Bus,
		StartWheel: h.startWheel,
		Handler:    h.Handler,
		Conf:       conf,
	}

	h.Transport = &transport.Server{Handler: h.Handler, Addr: addr}

	return h
}

// onStartDeadlineExpiry implements spec.md §4.4 "Start-deadline wheel ...
// On expiry". The wheel invokes ExpiryFunc on its own goroutine and
// requires it not to block (internal/timers.ExpiryFunc), so the Store calls
// here run on a spawned goroutine rather than inline.
func (h *Hub) onStartDeadlineExpiry(id uuid.UUID) {
	go h.handleStartDeadlineExpiry(id)
}

func (h *Hub) handleStartDeadlineExpiry(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := h.Store.GetStatus(ctx, id)
	if err != nil || status == nil || status.State != store.StateScheduled {
		return // already progressed past scheduled; nothing to do
	}

	reg, err := h.Store.GetRegistry(ctx, id)
	if err != nil || reg == nil {
		return
	}

	if err := h.Store.TransitionState(ctx, id, store.StateStartFailed, store.TransitionOpts{}); err != nil {
		log.Printf("hub: %s: start-deadline transition failed: %v", id, err)
		return
	}

	now := time.Now().UTC()
	if err := h.Store.RecordCrash(ctx, store.Crash{
		ParticipantID: id,
		DetectedAt:    now,
		Kind:          store.CrashNeverStarted,
		GapSeconds:    now.Sub(reg.RegisteredAt).Seconds(),
	}); err != nil {
		log.Printf("hub: %s: crash record failed: %v", id, err)
	}

	h.Bus.Publish(eventbus.Event{ParticipantID: id, Kind: eventbus.KindTerminal})
}

// onReconnectGraceExpiry implements spec.md §4.4 "Reconnection-grace wheel
// ... On expiry", applying the crash-downgrade policy from §9 Open
// Question 2: crashed for participants that completed at least one data
// exchange, lost_contact otherwise (unless CrashDowngradeDefault overrides
// this per-session judgment with a flat policy). Like
// onStartDeadlineExpiry, the actual work is handed off to a goroutine so
// the wheel's scan loop never blocks on the Store.
func (h *Hub) onReconnectGraceExpiry(id uuid.UUID) {
	go h.handleReconnectGraceExpiry(id)
}

func (h *Hub) handleReconnectGraceExpiry(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := h.Store.GetStatus(ctx, id)
	if err != nil || status == nil || status.State != store.StateReconnecting {
		return
	}

	dest := store.StateLostContact
	if h.Conf.Get().CrashDowngradeDefault {
		dest = store.StateCrashed
	} else if msgs, err := h.Store.RecentMessages(ctx, id, 1); err == nil && len(msgs) > 0 {
		dest = store.StateCrashed
	}

	if err := h.Store.TransitionState(ctx, id, dest, store.TransitionOpts{}); err != nil {
		log.Printf("hub: %s: reconnection-grace transition failed: %v", id, err)
		return
	}

	gap := 0.0
	if status.DisconnectedAt != nil {
		gap = time.Since(*status.DisconnectedAt).Seconds()
	}
	if err := h.Store.RecordCrash(ctx, store.Crash{
		ParticipantID: id,
		DetectedAt:    time.Now().UTC(),
		Kind:          store.CrashConnectionDrop,
		GapSeconds:    gap,
	}); err != nil {
		log.Printf("hub: %s: crash record failed: %v", id, err)
	}

	h.Bus.Publish(eventbus.Event{ParticipantID: id, Kind: eventbus.KindTerminal})
}

// Reconcile runs the Startup Reconciler. Call before Serve.
func (h *Hub) Reconcile(ctx context.Context) error {
	r := &reconciler.Reconciler{
		Store:      h.Store,
		StartWheel: h.startWheel,
		GraceWheel: h.graceWheel,
		Conf:       h.Conf,
	}
	return r.Run(ctx)
}

// Serve starts accepting transports and blocks until the listener stops.
func (h *Hub) Serve() error {
	log.Printf("hub: %s: listening on %s", h.Conf.Get().HubInstance, h.Transport.Addr)
	return h.Transport.ListenAndServe()
}

// Shutdown performs spec.md §5's graceful shutdown: stop accepting new
// transports, notify all active sessions, wait a bounded interval, then
// tear down.
func (h *Hub) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, h.Conf.Get().ShutdownDrainInterval+5*time.Second)
	defer cancel()

	if err := h.Transport.Shutdown(shutdownCtx); err != nil {
		log.Printf("hub: transport shutdown: %v", err)
	}

	h.Handler.BroadcastShutdownHint(h.Registry.LiveIDs())
	time.Sleep(h.Conf.Get().ShutdownDrainInterval)

	h.startWheel.Close()
	h.graceWheel.Close()
	h.Bus.Close()

	if err := h.Store.Close(); err != nil {
		log.Printf("hub: store close: %v", err)
	}
}
