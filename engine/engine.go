// Package engine defines the contract between the SSE transport layer and
// the MCP protocol engine that actually runs a session. The transport hands
// the engine a byte-stream pair: a Receiver that yields inbound JSON-RPC
// payloads in POST-arrival order, and a Sender that relays engine output to
// the client. The transport never inspects payload semantics; malformed
// JSON-RPC is the engine's problem.
package engine

import "context"

// Receiver is the engine-facing read side of one session. Each call blocks
// until the next inbound payload is available, the session is closed, or ctx
// is done. Payloads are returned in FIFO order.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Sender is the engine-facing write side of one session. Each payload is
// relayed to the client as a single message, in emission order.
type Sender interface {
	Send(payload []byte) error
}

// Engine runs one MCP session to completion over a byte-stream pair.
type Engine interface {
	// Run drives the session until the inbound side reports closure, ctx is
	// cancelled, or the engine itself decides the session is over. Run
	// returning is the authoritative end of the session.
	Run(ctx context.Context, in Receiver, out Sender) error
}

// SenderFunc adapts a plain function to the Sender interface.
type SenderFunc func(payload []byte) error

// Send calls f(payload).
func (f SenderFunc) Send(payload []byte) error { return f(payload) }
