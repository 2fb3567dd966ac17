package ws

import "github.com/jkaninda/warden/internal/protocol"

// Subprotocol is negotiated on every connection.
const Subprotocol = "warden-v1"

// FrameType discriminates WebSocket frames.
type FrameType string

// Client → server frames.
const (
	FrameInput    FrameType = "input"    // user input for the session
	FrameDecision FrameType = "decision" // approval decision (Manager only)
	FrameReset    FrameType = "reset"    // clear the session back to its preamble
)

// Server → client frames.
const (
	FrameSession FrameType = "session" // sent once after the upgrade
	FrameChunk   FrameType = "chunk"   // one element of the event stream
	FrameDone    FrameType = "done"    // the turn's stream has ended
	FrameError   FrameType = "error"   // the frame was refused; the session is unchanged
	FramePing    FrameType = "ping"    // keepalive
)

// ClientFrame is a frame sent by the client.
type ClientFrame struct {
	Type     FrameType          `json:"type"`
	Input    string             `json:"input,omitempty"`
	Decision *protocol.Decision `json:"decision,omitempty"`
	Secrets  []protocol.Secret  `json:"secrets,omitempty"`
}

// ServerFrame is a frame sent by the server.
type ServerFrame struct {
	Type      FrameType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Chunk     *protocol.Chunk `json:"chunk,omitempty"`
	Awaiting  string          `json:"awaiting,omitempty"` // pending approval id after a turn
	Error     string          `json:"error,omitempty"`
}
