package session

import (
	"sync"

	"github.com/google/uuid"
)

// conn is the live handle a connected participant's transport is registered
// under in the Session Registry. It serializes writes to the transport —
// "outbound messages to a given session serialize" (spec.md §5) — mirroring
// the teacher's overseer.Client writeMu discipline.
type conn struct {
	id        uuid.UUID
	transport Transport

	writeMu sync.Mutex
	closed  bool
}

func newConn(id uuid.UUID, t Transport) *conn {
	return &conn{id: id, transport: t}
}

// Deliver implements registry.Outbound.
func (c *conn) Deliver(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errClosedConn
	}
	return c.transport.WriteMessage(payload)
}

func (c *conn) closeTransport() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.transport.Close()
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errClosedConn = sentinelErr("session: connection closed")
