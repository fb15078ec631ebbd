// Package intent implements the Intent API (spec.md §4.1 and §6): the
// in-process contract collaborators outside the core use to declare that a
// child will connect, cancel that declaration, inject outbound control, and
// subscribe to events. Grounded on the teacher's router.Deps-style
// dependency bundle, with go-playground/validator enforcing input shape
// before anything touches the store, a context deadline of
// IntentRequestTimeout bounding each call's wall-clock budget, and an
// optional golang.org/x/time/rate limiter pacing CreateIntent calls.
package intent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/eventbus"
	"github.com/trailsd/trails/internal/session"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/timers"
	"github.com/trailsd/trails/internal/trailserr"
)

var validate = validator.New()

// CreateRequest is create_intent's input, validated before touching the store.
type CreateRequest struct {
	ParentID      *uuid.UUID `validate:"omitempty"`
	ChildID       uuid.UUID  `validate:"required"`
	Name          string     `validate:"required,max=256"`
	StartDeadline time.Duration
	RoleRefs      []string `validate:"omitempty,dive,max=128"`
	Tags          []string `validate:"omitempty,dive,max=128"`
}

// API is the Intent API. It is the only collaborator-facing entry point
// into the core's write path for declaring/cancelling participants and for
// injecting outbound control.
type API struct {
	Store      store.Store
	Bus        *eventbus.Bus
	StartWheel *timers.Wheel
	Handler    *session.Handler
	Conf       *config.Global

	// Limiter bounds how often a single collaborator process may call
	// CreateIntent (CancelIntent is not limited), guarding the store from a misbehaving
	// caller; it is advisory backpressure, not a correctness mechanism.
	// Defaults to an effectively unlimited rate if left nil.
	Limiter *rate.Limiter
}

func (a *API) limiter() *rate.Limiter {
	if a.Limiter == nil {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return a.Limiter
}

func (a *API) timeout() time.Duration {
	return a.Conf.Get().IntentRequestTimeout
}

func (a *API) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout())
}

// CreateIntent implements spec.md §4.1 "Create".
func (a *API) CreateIntent(ctx context.Context, req CreateRequest) (*store.Registry, error) {
	if err := validate.Struct(req); err != nil {
		return nil, trailserr.New(trailserr.KindInvalidDeadline, err.Error())
	}

	conf := a.Conf.Get()
	// spec.md boundary B1: start_deadline = 0 is rejected outright, not
	// substituted with a default.
	if req.StartDeadline <= 0 || req.StartDeadline > conf.MaxStartDeadline {
		return nil, trailserr.New(trailserr.KindInvalidDeadline, req.StartDeadline.String())
	}
	deadline := req.StartDeadline

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := a.limiter().Wait(ctx); err != nil {
		return nil, trailserr.New(trailserr.KindTimeout, "create_intent rate limited")
	}

	reg, err := a.Store.CreateIntent(ctx, store.CreateIntentParams{
		ChildID:       req.ChildID,
		ParentID:      req.ParentID,
		Name:          req.Name,
		StartDeadline: deadline,
		RoleRefs:      req.RoleRefs,
		Originator:    req.Tags,
	})
	if err != nil {
		return nil, err
	}

	a.StartWheel.Arm(req.ChildID, time.Now().Add(deadline))
	return reg, nil
}

// CancelIntent implements spec.md §4.1 "Cancel-intent".
func (a *API) CancelIntent(ctx context.Context, childID uuid.UUID) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := a.Store.CancelIntent(ctx, childID); err != nil {
		return err
	}
	a.StartWheel.Disarm(childID)
	return nil
}

// InjectOutboundControl implements the `inject_outbound_control` surface
// from spec.md §6.
func (a *API) InjectOutboundControl(ctx context.Context, participantID uuid.UUID, action string, payload json.RawMessage) (delivered bool, err error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.Handler.DispatchControl(ctx, participantID, action, payload, "")
}

// SubscribeEvents implements the `subscribe_events` surface from spec.md
// §6. filter is currently unused (reserved for future participant/kind
// scoping) since the Event Bus fans out to all subscribers uniformly.
func (a *API) SubscribeEvents(filter Filter) *eventbus.Subscription {
	return a.Bus.Subscribe()
}

// Filter reserves room for future event-stream scoping (e.g. by participant
// subtree or kind) without changing SubscribeEvents' signature.
type Filter struct {
	ParticipantID *uuid.UUID
	Kinds         []eventbus.Kind
}
