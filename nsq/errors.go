package nsq

import (
	"errors"
	"fmt"
)

// Sentinel errors, wrapped with %w at call sites (see
// ErrBrokerDead, ErrConnDead, ErrCorrelationIDMismatch), these are plain
// stdlib errors.New values, wrapped with %w at call sites that need to add
// context.
var (
	// ErrConnClosed is returned by any Connection operation attempted after
	// the connection has entered the closing/closed state.
	ErrConnClosed = errors.New("nsq: connection closed")

	// ErrProtocol indicates a malformed frame (bad size or unknown frame
	// type). Per spec.md §4.1/§7 this is fatal and is never resynced.
	ErrProtocol = errors.New("nsq: protocol error")

	// ErrUpgradeFailed indicates the TLS/compression upgrade handshake did
	// not complete as expected (bad BIN_OK, decompressor init failure).
	ErrUpgradeFailed = errors.New("nsq: transport upgrade failed")

	// ErrNotSubscribed is returned by Reader operations that require an
	// active subscription.
	ErrNotSubscribed = errors.New("nsq: not subscribed")

	// ErrReaderClosed is returned by Reader operations attempted after
	// Close.
	ErrReaderClosed = errors.New("nsq: reader closed")
)

// DoubleAckError is returned when fin/req/touch is called on a Message
// that has already been finished or requeued (spec.md §4.3, testable
// property 4). It is a recoverable, warning-class error: no network
// traffic is generated when it is returned.
type DoubleAckError struct {
	MessageID string
	Op        string
}

func (e *DoubleAckError) Error() string {
	return fmt.Sprintf("nsq: message %s already processed, cannot %s", e.MessageID, e.Op)
}

// CommandError wraps an E_... payload nsqd sent in response to a command.
// It is the resolved value of the command's future, not a panic/raise:
// the Connection stays open (spec.md §7, "Command error").
type CommandError struct {
	Command string
	Data    []byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("nsq: %s failed: %s", e.Command, string(e.Data))
}
