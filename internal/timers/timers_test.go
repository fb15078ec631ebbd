package timers

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testWheel builds a Wheel with a fast scan interval so tests run quickly
// without waiting out the production 500ms/2s scan cadences.
func testWheel(t *testing.T, onExpire ExpiryFunc) *Wheel {
	t.Helper()
	w := newWheel(20*time.Millisecond, onExpire)
	t.Cleanup(w.Close)
	return w
}

func TestArmFiresOnExpiry(t *testing.T) {
	var mu sync.Mutex
	var fired uuid.UUID

	done := make(chan struct{})
	w := testWheel(t, func(id uuid.UUID) {
		mu.Lock()
		fired = id
		mu.Unlock()
		close(done)
	})

	id := uuid.New()
	w.Arm(id, time.Now().Add(30*time.Millisecond))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, fired)
}

func TestDisarmPreventsExpiry(t *testing.T) {
	fired := make(chan uuid.UUID, 1)
	w := testWheel(t, func(id uuid.UUID) { fired <- id })

	id := uuid.New()
	w.Arm(id, time.Now().Add(40*time.Millisecond))
	w.Disarm(id)

	select {
	case <-fired:
		t.Fatal("disarmed timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReArmReplacesExpiry(t *testing.T) {
	fired := make(chan uuid.UUID, 2)
	w := testWheel(t, func(id uuid.UUID) { fired <- id })

	id := uuid.New()
	w.Arm(id, time.Now().Add(20*time.Millisecond))
	w.Arm(id, time.Now().Add(200*time.Millisecond)) // push expiry out

	select {
	case <-fired:
		t.Fatal("timer fired at the original, superseded expiry")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case got := <-fired:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("re-armed timer never fired")
	}
}

func TestLen(t *testing.T) {
	w := testWheel(t, func(uuid.UUID) {})
	w.Arm(uuid.New(), time.Now().Add(time.Hour))
	w.Arm(uuid.New(), time.Now().Add(time.Hour))
	assert.Equal(t, 2, w.Len())
}
