package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// ReadyState is the lifecycle state of a connection.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one attached peer.
//
// Design notes:
//   - send is never closed, so concurrent broadcasters cannot panic.
//   - Close is idempotent; the first code and reason win.
//   - A Conn belongs to exactly one Document for its lifetime.
type Conn struct {
	ID string

	transport Transport
	send      chan []byte
	done      chan struct{}
	cancel    context.CancelFunc

	state       atomic.Int32
	pongPending atomic.Bool

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string

	// onSendFailure is called once when a send tears the connection down.
	onSendFailure func()

	doc *Document
}

func newConn(id string, t Transport, queueSize int, cancel context.CancelFunc) *Conn {
	if queueSize < minSendQueueSize {
		queueSize = minSendQueueSize
	}
	if cancel == nil {
		cancel = func() {}
	}
	c := &Conn{
		ID:        id,
		transport: t,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current ready state.
func (c *Conn) State() ReadyState {
	return ReadyState(c.state.Load())
}

// Document returns the document the connection is attached to.
func (c *Conn) Document() *Document { return c.doc }

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Send queues msg without blocking. A full queue or a closing connection counts as a send
// failure and closes the connection.
func (c *Conn) Send(msg []byte) bool {
	switch c.State() {
	case StateConnecting, StateOpen:
	default:
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		if c.Close(websocket.StatusPolicyViolation, "send queue overflow") && c.onSendFailure != nil {
			c.onSendFailure()
		}
		return false
	}
}

// Close moves the connection to CLOSING and cancels its context. It reports whether this
// call initiated the close.
func (c *Conn) Close(code websocket.StatusCode, reason string) bool {
	initiated := false
	c.closeOnce.Do(func() {
		initiated = true
		c.closeCode = code
		c.closeReason = reason
		c.state.Store(int32(StateClosing))
		close(c.done)
		c.cancel()
	})
	return initiated
}

func (c *Conn) closeStatus() (websocket.StatusCode, string) {
	<-c.done
	return c.closeCode, c.closeReason
}
