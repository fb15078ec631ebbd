// Package reconciler implements the Startup Reconciler (spec.md §4.7): on
// hub (re)start, scans the store for non-terminal sessions this instance
// previously owned, marks them reconnecting, and arms reconnection-grace
// timers — and separately re-arms or expires start-deadline timers for
// scheduled sessions. Grounded on the teacher's main.go startup-wiring
// sequence (config load → store open → dependent subsystem init, in order).
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/timers"
)

// Reconciler runs once at hub startup, before the transport layer begins
// accepting new connections (spec.md I9).
type Reconciler struct {
	Store      store.Store
	StartWheel *timers.Wheel
	GraceWheel *timers.Wheel
	Conf       *config.Global
}

// Run performs the full startup reconciliation pass described in §4.7.
func (r *Reconciler) Run(ctx context.Context) error {
	conf := r.Conf.Get()

	owned, err := r.Store.ListOwnedNonTerminal(ctx, conf.HubInstance)
	if err != nil {
		return err
	}
	for _, s := range owned {
		now := time.Now().UTC()
		if err := r.Store.TransitionState(ctx, s.ID, store.StateReconnecting, store.TransitionOpts{
			DisconnectedAt: &now,
		}); err != nil {
			log.Printf("reconciler: %s: transition to reconnecting failed: %v", s.ID, err)
			continue
		}
		r.GraceWheel.Arm(s.ID, time.Now().Add(conf.StartupReconnectGrace))
		log.Printf("reconciler: %s: reconnecting, grace=%s", s.ID, conf.StartupReconnectGrace)
	}

	scheduled, err := r.Store.ListScheduledWithDeadline(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, s := range scheduled {
		deadlineAt := s.Registry.RegisteredAt.Add(s.Registry.StartDeadline)
		if deadlineAt.After(now) {
			r.StartWheel.Arm(s.Registry.ID, deadlineAt)
			continue
		}
		if err := r.Store.TransitionState(ctx, s.Registry.ID, store.StateStartFailed, store.TransitionOpts{}); err != nil {
			log.Printf("reconciler: %s: transition to start_failed failed: %v", s.Registry.ID, err)
			continue
		}
		if err := r.Store.RecordCrash(ctx, store.Crash{
			ParticipantID: s.Registry.ID,
			DetectedAt:    now,
			Kind:          store.CrashNeverStarted,
			GapSeconds:    now.Sub(s.Registry.RegisteredAt).Seconds(),
		}); err != nil {
			log.Printf("reconciler: %s: crash record failed: %v", s.Registry.ID, err)
		}
		log.Printf("reconciler: %s: start-deadline elapsed during downtime, start_failed", s.Registry.ID)
	}

	log.Printf("reconciler: startup pass complete: %d reconnecting, %d scheduled", len(owned), len(scheduled))
	return nil
}
