package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/trailsd/trails/internal/trailserr"
)

// WithBreaker wraps a Store so that persistent write/read failures against
// the backing database trip a circuit breaker, surfacing trailserr
// store_unavailable to callers instead of hammering a dead connection pool.
// Grounded on the teacher's reconnect/backoff idiom in overseer.Client,
// adapted here to gate store calls rather than WS dials.
func WithBreaker(inner Store) Store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "trails-store",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &breakerStore{inner: inner, cb: cb}
}

type breakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// BreakerStateReporter is implemented by a Store returned from WithBreaker,
// letting callers (e.g. the reference transport's /healthz) report the
// circuit breaker's current state without depending on the gobreaker type
// directly. Stores that don't wrap a breaker simply don't implement it.
type BreakerStateReporter interface {
	BreakerState() string
}

// BreakerState reports the circuit breaker's current state (closed, open,
// half-open).
func (b *breakerStore) BreakerState() string {
	return b.cb.State().String()
}

// call runs fn through the breaker, translating a tripped breaker and
// genuine call failures into trailserr store_unavailable. Business-rule
// errors (already_exists, not_scheduled, ...) returned by inner are NOT
// counted as breaker failures — only unexpected ones are.
func call[T any](b *breakerStore, fn func() (T, error)) (T, error) {
	var businessErr error
	res, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil {
			var te *trailserr.Error
			if errors.As(err, &te) {
				businessErr = err
				return v, nil
			}
			return v, err
		}
		return v, nil
	})
	if businessErr != nil {
		var zero T
		if v, ok := res.(T); ok {
			return v, businessErr
		}
		return zero, businessErr
	}
	if err != nil {
		var zero T
		return zero, trailserr.New(trailserr.KindStoreUnavailable, err.Error())
	}
	v, _ := res.(T)
	return v, nil
}

func (b *breakerStore) CreateIntent(ctx context.Context, p CreateIntentParams) (*Registry, error) {
	return call(b, func() (*Registry, error) { return b.inner.CreateIntent(ctx, p) })
}

func (b *breakerStore) CancelIntent(ctx context.Context, childID uuid.UUID) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.CancelIntent(ctx, childID) })
	return err
}

func (b *breakerStore) GetRegistry(ctx context.Context, id uuid.UUID) (*Registry, error) {
	return call(b, func() (*Registry, error) { return b.inner.GetRegistry(ctx, id) })
}

func (b *breakerStore) GetStatus(ctx context.Context, id uuid.UUID) (*SessionStatus, error) {
	return call(b, func() (*SessionStatus, error) { return b.inner.GetStatus(ctx, id) })
}

func (b *breakerStore) SetPubKey(ctx context.Context, id uuid.UUID, pubKey []byte) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.SetPubKey(ctx, id, pubKey) })
	return err
}

func (b *breakerStore) SetProcessInfo(ctx context.Context, id uuid.UUID, info *ProcessInfo) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.SetProcessInfo(ctx, id, info) })
	return err
}

func (b *breakerStore) TransitionState(ctx context.Context, id uuid.UUID, to State, opts TransitionOpts) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.TransitionState(ctx, id, to, opts) })
	return err
}

func (b *breakerStore) AppendMessage(ctx context.Context, m Message) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.AppendMessage(ctx, m) })
	return err
}

func (b *breakerStore) LatestSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	return call(b, func() (*Snapshot, error) { return b.inner.LatestSnapshot(ctx, id) })
}

func (b *breakerStore) RecentMessages(ctx context.Context, id uuid.UUID, limit int) ([]Message, error) {
	return call(b, func() ([]Message, error) { return b.inner.RecentMessages(ctx, id, limit) })
}

func (b *breakerStore) RecordCrash(ctx context.Context, c Crash) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.RecordCrash(ctx, c) })
	return err
}

func (b *breakerStore) EnqueueControl(ctx context.Context, c ControlEnvelope) (int64, error) {
	return call(b, func() (int64, error) { return b.inner.EnqueueControl(ctx, c) })
}

func (b *breakerStore) MarkControlSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.MarkControlSent(ctx, id, sentAt) })
	return err
}

func (b *breakerStore) AckControl(ctx context.Context, id int64, ackedAt time.Time, result json.RawMessage) error {
	_, err := call(b, func() (struct{}, error) { return struct{}{}, b.inner.AckControl(ctx, id, ackedAt, result) })
	return err
}

func (b *breakerStore) PendingControl(ctx context.Context, id uuid.UUID) ([]ControlEnvelope, error) {
	return call(b, func() ([]ControlEnvelope, error) { return b.inner.PendingControl(ctx, id) })
}

func (b *breakerStore) ListOwnedNonTerminal(ctx context.Context, serverInstance string) ([]SessionStatus, error) {
	return call(b, func() ([]SessionStatus, error) { return b.inner.ListOwnedNonTerminal(ctx, serverInstance) })
}

func (b *breakerStore) ListScheduledWithDeadline(ctx context.Context) ([]ScheduledSession, error) {
	return call(b, func() ([]ScheduledSession, error) { return b.inner.ListScheduledWithDeadline(ctx) })
}

func (b *breakerStore) Close() error {
	return b.inner.Close()
}
