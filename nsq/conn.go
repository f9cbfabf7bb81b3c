package nsq

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connection lifecycle states, advanced monotonically (spec.md §4.2.6).
const (
	connOpen int32 = iota
	connClosing
	connClosed
)

// commandResult is what a pending command future resolves to.
type commandResult struct {
	data []byte
	err  error
}

// commandFuture is returned by executeAsync; Wait blocks for the matching
// RESPONSE/ERROR frame (or fire-and-forget write completion) to resolve it.
// This mirrors a callback-style promise/future
// (broker.go's waitResp), expressed as a single-slot channel instead of a
// bare callback so callers can choose to block or select on it.
type commandFuture struct {
	ch chan commandResult
}

func newCommandFuture() *commandFuture {
	return &commandFuture{ch: make(chan commandResult, 1)}
}

// Wait blocks until the future resolves.
func (f *commandFuture) Wait() ([]byte, error) {
	r := <-f.ch
	return r.data, r.err
}

func (f *commandFuture) resolve(r commandResult) {
	select {
	case f.ch <- r:
	default:
	}
}

// waiter is one entry in the per-Connection FIFO of commands awaiting a
// broker reply (spec.md §4.2.2, "pop the head waiter"). cmdName is carried
// along purely so an ERROR frame can be reported against the command that
// provoked it.
type waiter struct {
	cmdName string
	fut     *commandFuture
	cb      func([]byte)
}

// Connection is a single TCP link to one nsqd instance: handshake, IDENTIFY,
// optional TLS/compression upgrade, the waiter FIFO, and the ingress loop
// that demultiplexes RESPONSE/ERROR/MESSAGE frames (spec.md §3/§4.2). It
// is one goroutine per connection
// reading frames, a mutex-guarded FIFO correlating replies to callers -- but
// the wire format and command set are NSQ's, not Kafka's.
type Connection struct {
	addr string

	dialTimeout time.Duration
	tlsConfig   *tls.Config

	rawConn   net.Conn // the unwrapped TCP socket, used to establish TLS
	transport io.ReadWriteCloser
	writeMu   sync.Mutex

	parserMu sync.Mutex
	parser   Parser
	// upgrading gates frame draining (not byte reading) while IDENTIFY's
	// TLS/compression negotiation is in progress (spec.md §4.2.3).
	upgrading int32

	waitersMu sync.Mutex
	waiters   []*waiter

	inFlight      int64
	createdAt     int64 // unix nanoseconds; fallback idle reference before any MESSAGE arrives
	lastMessageAt int64 // unix nanoseconds of the last delivered MESSAGE

	inbox     chan *Message
	onMessage func(*Message) *Message

	logger Logger

	state     int32
	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error

	ingressDone chan struct{}

	// rdyChanged, if set, is invoked after every RDY write that succeeds,
	// letting RdyControl refresh this connection's place in its idle
	// ordering without the
	// Connection importing RdyControl (spec.md §4.5 "on_rdy_changed").
	rdyChanged func(addr string)
}

// NewConnection builds an unconnected Connection for addr. inbox is the
// channel delivered MESSAGE frames are pushed to; it is owned by the caller
// (normally a Reader), not by the Connection.
func NewConnection(addr string, inbox chan *Message, cfg *Config) *Connection {
	if cfg == nil {
		cfg = NewConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Connection{
		addr:        addr,
		dialTimeout: cfg.DialTimeout,
		tlsConfig:   cfg.TLSConfig,
		parser:      newRawParser(),
		inbox:       inbox,
		logger:      logger,
		closedCh:    make(chan struct{}),
		createdAt:   time.Now().UnixNano(),
	}
}

// Addr returns the nsqd endpoint this Connection talks to.
func (c *Connection) Addr() string { return c.addr }

// OnMessage installs a hook invoked on every delivered Message before it is
// pushed to the inbox; it may return a different *Message (or the same one
// unchanged). Must be set before Connect.
func (c *Connection) OnMessage(fn func(*Message) *Message) { c.onMessage = fn }

// OnRdyChanged installs the hook RdyControl uses to learn that a RDY write
// succeeded. Must be set before Connect.
func (c *Connection) OnRdyChanged(fn func(addr string)) { c.rdyChanged = fn }

// InFlight returns the number of delivered-but-not-yet-acked messages.
func (c *Connection) InFlight() int64 { return atomic.LoadInt64(&c.inFlight) }

// IdleFor returns how long it has been since the last MESSAGE frame
// arrived, or since the connection was created if none ever has.
func (c *Connection) IdleFor() time.Duration {
	last := atomic.LoadInt64(&c.lastMessageAt)
	if last == 0 {
		last = c.createdAt
	}
	return time.Since(time.Unix(0, last))
}

func (c *Connection) decrementInFlight() {
	for {
		cur := atomic.LoadInt64(&c.inFlight)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&c.inFlight, cur, cur-1) {
			return
		}
	}
}

// Connect dials the socket, writes the version magic, and starts the
// ingress loop. IDENTIFY (and any upgrade) is a separate step: Identify.
func (c *Connection) Connect() error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("nsq: dial %s: %w", c.addr, err)
	}
	c.rawConn = conn
	c.transport = conn

	if _, err := conn.Write(MagicV2); err != nil {
		conn.Close()
		return fmt.Errorf("nsq: write magic to %s: %w", c.addr, err)
	}

	c.startIngress()
	return nil
}

func (c *Connection) startIngress() {
	c.ingressDone = make(chan struct{})
	go c.ingressLoop(c.transport, c.ingressDone)
}

// ingressLoop reads raw bytes off transport and feeds the active parser
// until a read fails, then closes done. A read that times out while
// upgrading is set (upgradeTLS forces one, spec.md §4.2.4) ends the loop
// without closing the connection; any other read error closes it.
func (c *Connection) ingressLoop(transport io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := transport.Read(buf)
		if n > 0 {
			c.parserMu.Lock()
			c.parser.Feed(buf[:n])
			upgrading := atomic.LoadInt32(&c.upgrading) == 1
			c.parserMu.Unlock()
			if !upgrading {
				if derr := c.drainFrames(); derr != nil {
					c.initiateClose(derr)
					return
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && atomic.LoadInt32(&c.upgrading) == 1 {
				return
			}
			if err != io.EOF {
				err = fmt.Errorf("nsq: read %s: %w", c.addr, err)
			}
			c.initiateClose(err)
			return
		}
	}
}

// drainFrames pulls every complete frame currently buffered and dispatches
// it, stopping early once upgrading is set. It returns a non-nil error only
// for a fatal protocol violation (spec.md §4.1, "never attempt to resync").
func (c *Connection) drainFrames() error {
	for {
		if atomic.LoadInt32(&c.upgrading) == 1 {
			return nil
		}
		c.parserMu.Lock()
		frame, ok, err := c.parser.Next()
		c.parserMu.Unlock()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.handleFrame(frame)
	}
}

func (c *Connection) handleFrame(f Frame) {
	if f.Type == FrameTypeResponse && f.IsHeartbeat() {
		if err := c.writeRaw(Nop().Bytes()); err != nil {
			c.logger.Log(LogLevelWarn, "heartbeat reply failed", "addr", c.addr, "err", err)
		}
		return
	}

	switch f.Type {
	case FrameTypeResponse:
		c.resolveHeadWaiter(f.Data, nil)
	case FrameTypeError:
		c.resolveHeadWaiter(f.Data, nil) // Command/name filled in by resolveHeadWaiter
	case FrameTypeMessage:
		atomic.AddInt64(&c.inFlight, 1)
		atomic.StoreInt64(&c.lastMessageAt, time.Now().UnixNano())
		msg := newMessage(c, f)
		if c.onMessage != nil {
			msg = c.onMessage(msg)
		}
		c.inbox <- msg
	default:
		c.logger.Log(LogLevelWarn, "unknown frame type", "addr", c.addr, "type", f.Type)
	}
}

func (c *Connection) resolveHeadWaiter(data []byte, _ error) {
	c.waitersMu.Lock()
	if len(c.waiters) == 0 {
		c.waitersMu.Unlock()
		c.logger.Log(LogLevelWarn, "frame with no pending waiter", "addr", c.addr)
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.waitersMu.Unlock()

	var err error
	// An ERROR frame resolves the same waiter slot as a RESPONSE would,
	// but as a CommandError value rather than a Go-level raise (spec.md
	// §7, "Command error" -- the connection stays open).
	if len(data) >= 2 && data[0] == 'E' && data[1] == '_' {
		err = &CommandError{Command: w.cmdName, Data: data}
	}
	w.fut.resolve(commandResult{data: data, err: err})
	if w.cb != nil {
		w.cb(data)
	}
}

// execute runs a command and blocks for its result, the convenience wrapper
// Message.Fin/Req/Touch use.
func (c *Connection) execute(cmd []byte, args ...string) ([]byte, error) {
	return c.executeAsync(cmd, args, nil, nil).Wait()
}

// executeAsync enqueues cmd and returns immediately with a future. Commands
// in the fire-and-forget class (NOP/FIN/RDY/REQ/TOUCH) resolve as soon as
// the write succeeds, since nsqd never sends them a reply (spec.md §9,
// resolving the source's ambiguity in favor of "after a successful write").
func (c *Connection) executeAsync(cmd []byte, args []string, body []byte, cb func([]byte)) *commandFuture {
	fut := newCommandFuture()
	if c.Closed() {
		fut.resolve(commandResult{err: ErrConnClosed})
		return fut
	}

	raw := newCommand(cmd, args...)
	if body != nil {
		raw = raw.withBody(body)
	}
	wire := raw.Bytes()

	if isFireAndForget(cmd) {
		err := c.writeRaw(wire)
		if err != nil {
			fut.resolve(commandResult{err: err})
			return fut
		}
		if string(cmd) == "RDY" && c.rdyChanged != nil {
			c.rdyChanged(c.addr)
		}
		if string(cmd) == "FIN" || string(cmd) == "REQ" {
			c.decrementInFlight()
		}
		if cb != nil {
			cb(okPayload)
		}
		fut.resolve(commandResult{data: okPayload})
		return fut
	}

	w := &waiter{cmdName: string(cmd), fut: fut, cb: cb}
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitersMu.Unlock()

	if err := c.writeRaw(wire); err != nil {
		c.removeWaiter(w)
		fut.resolve(commandResult{err: err})
	}
	return fut
}

// enqueueSyntheticWaiter pushes a waiter with no corresponding write, used
// by the compression upgrade: the RESPONSE that resolves it is the reply to
// the IDENTIFY that already went out (spec.md §4.2.5).
func (c *Connection) enqueueSyntheticWaiter() *commandFuture {
	fut := newCommandFuture()
	w := &waiter{cmdName: "IDENTIFY", fut: fut}
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitersMu.Unlock()
	return fut
}

func (c *Connection) removeWaiter(target *waiter) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.transport == nil {
		return ErrConnClosed
	}
	_, err := c.transport.Write(b)
	return err
}

// Identify performs the IDENTIFY handshake: sends the client's requested
// options, then applies whatever TLS/compression upgrade nsqd agrees to
// (spec.md §4.2.3-§4.2.5). The upgrading flag is raised by the IDENTIFY
// waiter's callback, on the ingress goroutine, as the reply is dispatched,
// and only cleared once every upgrade this response requires has finished,
// so no frame after the reply is drained mid-upgrade.
func (c *Connection) Identify(cfg *Config) (string, error) {
	defer atomic.StoreInt32(&c.upgrading, 0)

	body, err := json.Marshal(cfg.identifyPayload())
	if err != nil {
		return "", fmt.Errorf("nsq: encode identify payload: %w", err)
	}

	fut := c.executeAsync(cmdIdentify, nil, body, func([]byte) { atomic.StoreInt32(&c.upgrading, 1) })
	data, err := fut.Wait()
	if err != nil {
		return "", err
	}

	if bytes.Equal(data, okPayload) {
		atomic.StoreInt32(&c.upgrading, 0)
		c.drainBufferedFrames()
		return "OK", nil
	}

	var resp identifyServerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("nsq: decode identify response: %w", err)
	}

	if resp.TLSV1 {
		if err := c.upgradeTLS(); err != nil {
			return "", err
		}
	}

	var upgradeFut *commandFuture
	switch {
	case resp.Snappy:
		upgradeFut = c.upgradeCodec(func(residual []byte) Parser { return newSnappyParser(residual) })
	case resp.Deflate:
		upgradeFut = c.upgradeCodec(func(residual []byte) Parser { return newDeflateParser(residual) })
	}

	atomic.StoreInt32(&c.upgrading, 0)
	c.drainBufferedFrames()

	if upgradeFut != nil {
		ackData, err := upgradeFut.Wait()
		if err != nil {
			return "", err
		}
		if !bytes.Equal(ackData, okPayload) {
			return "", fmt.Errorf("%w: unexpected upgrade ack %q", ErrUpgradeFailed, ackData)
		}
	}

	return string(data), nil
}

// drainBufferedFrames runs the frame loop once inline, picking up anything
// the ingress loop buffered while upgrading was set.
func (c *Connection) drainBufferedFrames() {
	if err := c.drainFrames(); err != nil {
		c.initiateClose(err)
	}
}

// upgradeTLS stops the ingress loop, wraps the raw socket in a TLS client
// connection, verifies the 10-byte framed "OK" nsqd sends once the
// handshake completes, then restarts ingress on the new transport
// (spec.md §4.2.4).
func (c *Connection) upgradeTLS() error {
	done := c.ingressDone
	// The ingress loop only exits on its own when transport.Read errors;
	// closing rawConn's read side is not an option mid-upgrade, so instead
	// we rely on TLS handshake bytes arriving on the same socket the
	// ingress loop is blocked reading. To hand off cleanly we stop reading
	// via the raw connection's read deadline, forcing an immediate (and
	// harmless) timeout-driven exit of the old loop before the TLS client
	// takes over the socket.
	_ = c.rawConn.SetReadDeadline(time.Now())
	<-done
	_ = c.rawConn.SetReadDeadline(time.Time{})

	tlsConn := tls.Client(c.rawConn, c.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("%w: tls handshake: %v", ErrUpgradeFailed, err)
	}

	ack := make([]byte, len(binOK))
	if _, err := io.ReadFull(tlsConn, ack); err != nil {
		return fmt.Errorf("%w: tls upgrade ack: %v", ErrUpgradeFailed, err)
	}
	if !bytes.Equal(ack, binOK) {
		return fmt.Errorf("%w: tls upgrade ack mismatch", ErrUpgradeFailed)
	}

	c.writeMu.Lock()
	c.transport = tlsConn
	c.writeMu.Unlock()

	c.startIngress()
	return nil
}

// upgradeCodec swaps the active Parser for one built by newCodec, carrying
// forward whatever plaintext tail the old parser had buffered, and enqueues
// the synthetic waiter the eventual ack resolves (spec.md §4.2.5).
func (c *Connection) upgradeCodec(newCodec func([]byte) Parser) *commandFuture {
	c.parserMu.Lock()
	residual := c.parser.Buffer()
	c.parser = newCodec(residual)
	c.parserMu.Unlock()
	return c.enqueueSyntheticWaiter()
}

// Closed reports whether the connection has left the open state, whether
// by an explicit Close or a socket error observed by the ingress loop.
func (c *Connection) Closed() bool {
	return atomic.LoadInt32(&c.state) != connOpen
}

// Close begins an orderly shutdown: the transport is closed (unblocking the
// ingress loop), all pending waiters fail with ErrConnClosed, and the state
// advances to closed. It is safe to call more than once.
func (c *Connection) Close() error {
	c.initiateClose(nil)
	return nil
}

func (c *Connection) initiateClose(reason error) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, connClosing)
		c.closeErr = reason

		c.writeMu.Lock()
		if c.transport != nil {
			c.transport.Close()
		}
		c.writeMu.Unlock()

		c.failAllWaiters(ErrConnClosed)

		atomic.StoreInt32(&c.state, connClosed)
		close(c.closedCh)
	})
}

func (c *Connection) failAllWaiters(err error) {
	c.waitersMu.Lock()
	pending := c.waiters
	c.waiters = nil
	c.waitersMu.Unlock()

	for _, w := range pending {
		w.fut.resolve(commandResult{err: err})
	}
}

// WaitForClosed blocks until the connection reaches the closed state, or
// returns an error once timeout elapses first.
func (c *Connection) WaitForClosed(timeout time.Duration) error {
	select {
	case <-c.closedCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("nsq: %s: wait for closed timed out", c.addr)
	}
}
