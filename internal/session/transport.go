package session

// Transport is the bidirectional, message-oriented, ordered channel a
// participant connects over (spec.md §4.2). gorilla/websocket satisfies it
// via the adapter in internal/transport; tests use an in-memory fake.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}
