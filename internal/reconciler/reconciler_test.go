package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/store/storetest"
	"github.com/trailsd/trails/internal/timers"
)

func testReconciler(t *testing.T) (*Reconciler, *storetest.Fake) {
	t.Helper()
	st := storetest.New()
	conf, err := config.Load("")
	require.NoError(t, err)
	d := conf.Get()
	d.HubInstance = "hub-a"
	require.NoError(t, conf.Set(d))

	startWheel := timers.NewStartDeadlineWheel(func(uuid.UUID) {})
	graceWheel := timers.NewReconnectGraceWheel(func(uuid.UUID) {})
	t.Cleanup(startWheel.Close)
	t.Cleanup(graceWheel.Close)

	return &Reconciler{Store: st, StartWheel: startWheel, GraceWheel: graceWheel, Conf: conf}, st
}

// TestReconcile_OwnedRunningGoesReconnecting covers I9 / S7.
func TestReconcile_OwnedRunningGoesReconnecting(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()
	childID := uuid.New()

	_, err := st.CreateIntent(ctx, store.CreateIntentParams{ChildID: childID, Name: "c", StartDeadline: time.Minute})
	require.NoError(t, err)
	serverInstance := "hub-a"
	require.NoError(t, st.TransitionState(ctx, childID, store.StateRunning, store.TransitionOpts{ServerInstance: &serverInstance}))

	require.NoError(t, r.Run(ctx))

	status, err := st.GetStatus(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateReconnecting, status.State)
	assert.Equal(t, 1, r.GraceWheel.Len())
}

func TestReconcile_OtherInstanceUntouched(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()
	childID := uuid.New()

	_, err := st.CreateIntent(ctx, store.CreateIntentParams{ChildID: childID, Name: "c", StartDeadline: time.Minute})
	require.NoError(t, err)
	other := "hub-b"
	require.NoError(t, st.TransitionState(ctx, childID, store.StateRunning, store.TransitionOpts{ServerInstance: &other}))

	require.NoError(t, r.Run(ctx))

	status, err := st.GetStatus(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, status.State) // untouched: owned by a different hub instance
}

func TestReconcile_ScheduledDeadlineElapsedDuringDowntime(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()
	childID := uuid.New()

	reg, err := st.CreateIntent(ctx, store.CreateIntentParams{ChildID: childID, Name: "c", StartDeadline: time.Millisecond})
	require.NoError(t, err)
	_ = reg
	time.Sleep(10 * time.Millisecond) // let the 1ms deadline elapse

	require.NoError(t, r.Run(ctx))

	status, err := st.GetStatus(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateStartFailed, status.State)
}

func TestReconcile_ScheduledDeadlineStillOpenReArmed(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()
	childID := uuid.New()

	_, err := st.CreateIntent(ctx, store.CreateIntentParams{ChildID: childID, Name: "c", StartDeadline: time.Hour})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx))

	status, err := st.GetStatus(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, store.StateScheduled, status.State)
	assert.Equal(t, 1, r.StartWheel.Len())
}
