package nsq

import "time"

// MagicV2 is written to the wire immediately after dialing to negotiate
// protocol version 2.
var MagicV2 = []byte("  V2")

// Frame types, as they appear on the wire after the 4-byte size prefix.
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// heartbeatPayload is the literal RESPONSE payload nsqd sends to keep a
// connection alive. Receiving it must never consume a pending waiter.
var heartbeatPayload = []byte("_heartbeat_")

// okPayload is the literal RESPONSE payload nsqd sends for most
// acknowledgements, including the plain (non-negotiated) IDENTIFY reply.
var okPayload = []byte("OK")

// binOK is the exact 10 bytes a framed "OK" response takes on the wire:
// size=6, type=0 (response), payload="OK".
var binOK = []byte{0, 0, 0, 6, 0, 0, 0, 0, 'O', 'K'}

// msgIDLength is the fixed width of a message ID field.
const msgIDLength = 16

// Command names recognized by the protocol. The fire-and-forget class
// (NOP, FIN, RDY, REQ, TOUCH) never enqueues a waiter for its reply: nsqd
// does not send one.
var (
	cmdNop      = []byte("NOP")
	cmdFin      = []byte("FIN")
	cmdRdy      = []byte("RDY")
	cmdReq      = []byte("REQ")
	cmdTouch    = []byte("TOUCH")
	cmdSub      = []byte("SUB")
	cmdCls      = []byte("CLS")
	cmdIdentify = []byte("IDENTIFY")
)

func isFireAndForget(cmd []byte) bool {
	switch string(cmd) {
	case "NOP", "FIN", "RDY", "REQ", "TOUCH":
		return true
	}
	return false
}

// DefaultDialTimeout bounds how long Connect waits for the initial TCP dial.
const DefaultDialTimeout = 5 * time.Second

// DefaultMaxInFlight is the Reader's default max_in_flight when the caller
// does not configure one.
const DefaultMaxInFlight = 42

// DefaultIdleTimeout is the RdyControl default idle_timeout, in seconds per
// spec.md's config table, stored here as a Duration for ergonomic use.
const DefaultIdleTimeout = 10 * time.Second

// DefaultLookupdPollInterval is how often Reader polls lookupd when no
// interval is configured.
const DefaultLookupdPollInterval = 30 * time.Second

// DefaultHeartbeatInterval is sent to nsqd during IDENTIFY unless overridden.
const DefaultHeartbeatInterval = 30 * time.Second
