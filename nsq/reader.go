package nsq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Reader is the public entry point: it owns a set of Connections to nsqd
// instances producing one topic, keeps them supplied with RDY credit via
// RdyControl, and fans delivered messages out through Messages() (spec.md
// §4.6). Connections come from two sources -- a fixed seed list
// (NSQDAddresses) and/or periodic nsqlookupd polling (LookupdAddresses) --
// combining a static seed list with discovery.
type Reader struct {
	cfg    *Config
	lookup LookupClient
	rdy    *RdyControl
	logger Logger

	inbox chan *Message

	mu          sync.Mutex
	conns       map[string]*Connection
	topic       string
	channel     string
	outbox      chan *Message
	outboxAlive bool

	subscribed int32
	closed     int32

	closeCh  chan struct{}
	stopPoll chan struct{}

	// closeOutboxReq/outboxClosed hand the outbox's close over to pumpLoop,
	// its sole writer, so it is only ever closed between sends -- never
	// concurrently with a blocked out<-msg (see pumpLoop/Unsubscribe).
	closeOutboxReq chan struct{}
	outboxClosed   chan struct{}

	pumpDone chan struct{}
	pollDone chan struct{}
}

// NewReader builds a Reader from cfg. cfg may be nil, in which case
// NewConfig's defaults apply.
func NewReader(cfg *Config) *Reader {
	if cfg == nil {
		cfg = NewConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	var lookup LookupClient
	if len(cfg.LookupdAddresses) > 0 {
		lookup = NewHTTPLookupClient(cfg.LookupdAddresses, logger)
	}

	inboxSize := cfg.MaxInFlight*2 + 16
	r := &Reader{
		cfg:            cfg,
		lookup:         lookup,
		rdy:            NewRdyControl(cfg.MaxInFlight, cfg.IdleTimeout, logger),
		logger:         logger,
		inbox:          make(chan *Message, inboxSize),
		conns:          make(map[string]*Connection),
		outbox:         make(chan *Message),
		closeCh:        make(chan struct{}),
		stopPoll:       make(chan struct{}),
		closeOutboxReq: make(chan struct{}),
		outboxClosed:   make(chan struct{}),
		pumpDone:       make(chan struct{}),
		pollDone:       make(chan struct{}),
	}
	r.outboxAlive = true
	go r.pumpLoop()
	return r
}

// Messages returns the channel delivered messages arrive on. It is safe for
// multiple goroutines to range over it concurrently; each message is
// delivered to exactly one of them.
func (r *Reader) Messages() <-chan *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbox
}

// Subscribe establishes topic/channel, connects to every seed nsqd address,
// and (if lookupd addresses were configured) starts polling for additional
// producers. It may only be called once per Reader.
func (r *Reader) Subscribe(topic, channel string) error {
	if atomic.LoadInt32(&r.closed) == 1 {
		return ErrReaderClosed
	}
	if !atomic.CompareAndSwapInt32(&r.subscribed, 0, 1) {
		return fmt.Errorf("nsq: already subscribed to %s/%s", r.topic, r.channel)
	}

	r.mu.Lock()
	r.topic = topic
	r.channel = channel
	r.mu.Unlock()

	var firstErr error
	for _, addr := range r.cfg.NSQDAddresses {
		if _, err := r.dial(addr); err != nil {
			r.logger.Log(LogLevelWarn, "connect failed", "addr", addr, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}

	if r.lookup != nil {
		go r.pollLookupLoop()
	} else if len(r.cfg.NSQDAddresses) == 0 {
		atomic.StoreInt32(&r.subscribed, 0)
		return fmt.Errorf("nsq: no nsqd addresses and no lookupd configured")
	} else {
		r.mu.Lock()
		connected := len(r.conns)
		r.mu.Unlock()
		if connected == 0 {
			atomic.StoreInt32(&r.subscribed, 0)
			return firstErr
		}
	}

	r.rdy.Redistribute()
	return nil
}

// dial connects to addr, runs IDENTIFY, subscribes to the current
// topic/channel, and registers the Connection with RdyControl. Safe to call
// repeatedly for an address already connected (a no-op in that case).
func (r *Reader) dial(addr string) (*Connection, error) {
	r.mu.Lock()
	if existing, ok := r.conns[addr]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	conn := NewConnection(addr, r.inbox, r.cfg)
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	if _, err := conn.Identify(r.cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nsq: identify %s: %w", addr, err)
	}
	if _, err := conn.execute(cmdSub, r.topic, r.channel); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nsq: subscribe %s: %w", addr, err)
	}

	r.mu.Lock()
	r.conns[addr] = conn
	r.mu.Unlock()
	r.rdy.AddConnection(conn)
	return conn, nil
}

func (r *Reader) pollLookupLoop() {
	defer close(r.pollDone)
	ticker := time.NewTicker(r.cfg.LookupdPollPeriod)
	defer ticker.Stop()

	r.doLookupPoll()
	for {
		select {
		case <-ticker.C:
			r.doLookupPoll()
		case <-r.stopPoll:
			return
		}
	}
}

func (r *Reader) doLookupPoll() {
	addrs, err := r.lookup.Lookup(r.topic)
	if err != nil {
		r.logger.Log(LogLevelWarn, "lookup poll failed", "topic", r.topic, "err", err)
		return
	}

	discovered := false
	for _, addr := range addrs {
		r.mu.Lock()
		existing, known := r.conns[addr]
		if known && existing.Closed() {
			// A dead Connection is replaced by a fresh one on this poll.
			delete(r.conns, addr)
			known = false
		}
		r.mu.Unlock()
		if known {
			continue
		}
		if _, err := r.dial(addr); err != nil {
			r.logger.Log(LogLevelWarn, "connect to discovered producer failed", "addr", addr, "err", err)
			continue
		}
		discovered = true
	}
	if discovered {
		r.rdy.Redistribute()
	}
}

// SetMaxInFlight updates the RDY budget shared across all connections.
func (r *Reader) SetMaxInFlight(n int) {
	r.cfg.MaxInFlight = n
	r.rdy.SetMaxInFlight(n)
}

// pumpLoop is the fan-in stage between every Connection's shared inbox and
// the single outbox Messages() exposes. While unsubscribed (including
// during the drain window after Unsubscribe), it requeues instead of
// forwarding, so no message is silently dropped on the floor.
//
// pumpLoop is the outbox's only writer and its only closer: Unsubscribe
// never closes r.outbox itself, it only requests a close via
// closeOutboxReq. That keeps close(r.outbox) from ever running while this
// goroutine is blocked inside out<-msg below, which would otherwise panic
// with "send on closed channel".
func (r *Reader) pumpLoop() {
	defer close(r.pumpDone)
	closeOutboxReq := r.closeOutboxReq
	for {
		select {
		case msg := <-r.inbox:
			r.rdy.RecordMessage(msg.conn.Addr())
			if atomic.LoadInt32(&r.subscribed) == 0 {
				_ = msg.Req(0)
				continue
			}
			r.mu.Lock()
			out := r.outbox
			alive := r.outboxAlive
			r.mu.Unlock()
			if !alive {
				_ = msg.Req(0)
				continue
			}
			select {
			case out <- msg:
			case <-r.closeCh:
				_ = msg.Req(0)
				return
			}
		case <-closeOutboxReq:
			r.mu.Lock()
			if r.outboxAlive {
				close(r.outbox)
				r.outboxAlive = false
			}
			r.mu.Unlock()
			close(r.outboxClosed)
			closeOutboxReq = nil // fire once; never select this case again
		case <-r.closeCh:
			return
		}
	}
}

// Unsubscribe stops delivering messages: every connection is told RDY 0,
// RdyControl stops redistributing, and the outbox is closed so every
// goroutine ranging over Messages() returns. Anything still in flight when
// this is called is requeued (REQ 0) by pumpLoop rather than delivered
// (spec.md §4.6). The outbox close itself is handed to pumpLoop (see its
// comment) rather than performed here, so it can never race a blocked send.
func (r *Reader) Unsubscribe() error {
	if !atomic.CompareAndSwapInt32(&r.subscribed, 1, 0) {
		return ErrNotSubscribed
	}

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	r.rdy.StopWorking()
	for _, c := range conns {
		if _, err := c.execute(cmdRdy, "0"); err != nil {
			r.logger.Log(LogLevelWarn, "rdy 0 on unsubscribe failed", "addr", c.Addr(), "err", err)
		}
	}

	close(r.closeOutboxReq)
	select {
	case <-r.outboxClosed:
	case <-time.After(5 * time.Second):
		r.logger.Log(LogLevelWarn, "timed out waiting for pumpLoop to close the outbox", "topic", r.topic)
	}

	return nil
}

// Close tears the Reader down: unsubscribe if still subscribed, stop
// lookupd polling, stop the fan-in pump, and close every connection.
func (r *Reader) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return ErrReaderClosed
	}

	if atomic.LoadInt32(&r.subscribed) == 1 {
		_ = r.Unsubscribe()
	}

	if r.lookup != nil {
		close(r.stopPoll)
		<-r.pollDone
	}

	close(r.closeCh)
	<-r.pumpDone

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		_ = c.WaitForClosed(5 * time.Second)
	}
	return nil
}
