package nsq

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// connState is RdyControl's bookkeeping for one Connection: the RDY count
// it last announced and how much of that credit remains unconsumed.
type connState struct {
	conn            *Connection
	rdySent         int
	creditRemaining int
}

// RdyControl owns the RDY budget for a Reader's subscription: it spreads
// max_in_flight across all connections, rotates a scarce budget when there
// are more connections than credits, and starves connections that have
// gone idle past idle_timeout until they are elected again (spec.md §4.5).
// Distribution uses IdleIndex to find the longest-idle connections in
// O(log n) instead of re-sorting every tick, matching SPEC_FULL.md's
// enrichment of the source's plain Python sort.
type RdyControl struct {
	mu          sync.Mutex
	maxInFlight int
	idleTimeout time.Duration
	conns       map[string]*connState
	idle        *IdleIndex
	logger      Logger
	stopped     int32
}

// NewRdyControl returns a RdyControl with no connections yet attached.
func NewRdyControl(maxInFlight int, idleTimeout time.Duration, logger Logger) *RdyControl {
	if logger == nil {
		logger = nopLogger{}
	}
	return &RdyControl{
		maxInFlight: maxInFlight,
		idleTimeout: idleTimeout,
		conns:       make(map[string]*connState),
		idle:        NewIdleIndex(),
		logger:      logger,
	}
}

// AddConnection registers conn for RDY distribution. It does not itself
// trigger a redistribute; call Redistribute once all connections for a
// round are added.
func (r *RdyControl) AddConnection(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixNano()
	r.conns[conn.Addr()] = &connState{conn: conn}
	r.idle.Update(conn.Addr(), now)

	conn.OnRdyChanged(func(addr string) {
		r.idle.Update(addr, time.Now().UnixNano())
	})
}

// AddConnections registers every conn in conns.
func (r *RdyControl) AddConnections(conns []*Connection) {
	for _, c := range conns {
		r.AddConnection(c)
	}
}

// RemoveConnection drops addr from distribution, e.g. once its Connection
// has closed.
func (r *RdyControl) RemoveConnection(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, addr)
	r.idle.Remove(addr)
}

// SetMaxInFlight updates the total RDY budget and redistributes it
// immediately.
func (r *RdyControl) SetMaxInFlight(n int) {
	r.mu.Lock()
	r.maxInFlight = n
	r.mu.Unlock()
	r.Redistribute()
}

// RecordMessage is called once per delivered MESSAGE to track how much of
// a connection's announced RDY credit remains. Once remaining credit drops
// to a quarter or less of what was last announced, that connection's RDY
// is refreshed back to its full allocation (spec.md §4.5, ">25% drift").
func (r *RdyControl) RecordMessage(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if atomic.LoadInt32(&r.stopped) == 1 {
		return
	}

	r.idle.Update(addr, time.Now().UnixNano())

	cs, ok := r.conns[addr]
	if !ok || cs.rdySent == 0 {
		return
	}
	cs.creditRemaining--
	if cs.creditRemaining <= cs.rdySent/4 {
		// setRdy skips unchanged counts, so the refresh writes RDY directly.
		if _, err := cs.conn.execute(cmdRdy, strconv.Itoa(cs.rdySent)); err != nil {
			r.logger.Log(LogLevelWarn, "rdy refresh failed", "addr", addr, "rdy", cs.rdySent, "err", err)
			return
		}
		cs.creditRemaining = cs.rdySent
	}
}

// Redistribute recomputes and (re)announces RDY for every connection.
// When max_in_flight >= the number of connections, credit is split evenly
// with the remainder going to the longest-idle connections. When there are
// more connections than credit, a single-credit RDY rotates among the
// longest-idle connections and everyone else gets RDY 0. Connections idle
// longer than idle_timeout are forced to RDY 0 regardless, until a future
// round elects them again.
func (r *RdyControl) Redistribute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if atomic.LoadInt32(&r.stopped) == 1 {
		return
	}

	n := len(r.conns)
	if n == 0 {
		return
	}

	stale := make(map[string]bool)
	for addr, cs := range r.conns {
		if cs.conn.IdleFor() > r.idleTimeout && r.idleTimeout > 0 {
			stale[addr] = true
		}
	}

	active := n - len(stale)
	if active <= 0 {
		for _, cs := range r.conns {
			r.setRdy(cs, 0)
		}
		return
	}

	if r.maxInFlight >= active {
		base := r.maxInFlight / active
		remainder := r.maxInFlight % active

		extraSet := make(map[string]bool, remainder)
		if remainder > 0 {
			for _, addr := range r.idle.IdlestN(n) {
				if stale[addr] {
					continue
				}
				extraSet[addr] = true
				if len(extraSet) == remainder {
					break
				}
			}
		}

		for addr, cs := range r.conns {
			switch {
			case stale[addr]:
				r.setRdy(cs, 0)
			case extraSet[addr]:
				r.setRdy(cs, base+1)
			default:
				r.setRdy(cs, base)
			}
		}
		return
	}

	electedSet := make(map[string]bool, r.maxInFlight)
	for _, addr := range r.idle.IdlestN(n) {
		if stale[addr] {
			continue
		}
		electedSet[addr] = true
		if len(electedSet) == r.maxInFlight {
			break
		}
	}

	for addr, cs := range r.conns {
		if electedSet[addr] {
			r.setRdy(cs, 1)
		} else {
			r.setRdy(cs, 0)
		}
	}
}

// setRdy writes RDY n to cs's connection if it differs from what was last
// sent, and updates the bookkeeping either way. Must be called with r.mu
// held.
func (r *RdyControl) setRdy(cs *connState, n int) {
	if cs.rdySent == n {
		return
	}
	_, err := cs.conn.execute(cmdRdy, strconv.Itoa(n))
	if err != nil {
		r.logger.Log(LogLevelWarn, "rdy write failed", "addr", cs.conn.Addr(), "rdy", n, "err", err)
		return
	}
	cs.rdySent = n
	cs.creditRemaining = n
}

// StopWorking halts all future RDY writes; used during Reader.unsubscribe
// so the drain sequence's own RDY 0 is the last word (spec.md §4.6).
func (r *RdyControl) StopWorking() {
	atomic.StoreInt32(&r.stopped, 1)
}
