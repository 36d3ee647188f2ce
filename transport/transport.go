// Package transport defines the boundary between the Connection Service
// and the already-authenticated, encrypted SSH transport below it.
// Framing, MAC and cipher negotiation are external collaborators; this
// package only states the contract the core relies on.
package transport

import "context"

// WriteFuture is resolved when a previously enqueued packet has either
// been written to the wire or failed to be.
type WriteFuture interface {
	// Wait blocks until the write completes or ctx is done.
	Wait(ctx context.Context) error
}

// Endpoint is the narrow surface the Connection Service consumes from
// the transport layer. A single Endpoint instance is shared by a whole
// Session; SendPacket calls may originate from any goroutine and are
// serialized internally into one FIFO write queue.
type Endpoint interface {
	// SendPacket enqueues a single already-marshalled RFC 4254 message
	// for transmission and returns a future tracking completion. Callers
	// never write directly to the wire; this is the one producer-side
	// entry point the single-writer-per-transport rule depends on.
	SendPacket(payload []byte) WriteFuture

	// SessionID returns the session hash H, exposed for completeness of
	// the boundary; this core does not use it directly.
	SessionID() []byte

	// Close closes the underlying network connection. Idempotent.
	Close() error
}

// Dispatchable is implemented by the Connection Service and driven by
// the transport: every inbound, decrypted connection-protocol packet is
// delivered here as a message number plus its undecoded payload, in
// wire order.
type Dispatchable interface {
	// Process handles one inbound packet. At most one call to Process
	// executes at a time for a given Session.
	Process(cmd uint8, payload []byte) error
}
