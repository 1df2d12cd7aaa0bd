package realtime

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
)

// Transport is a duplex binary message channel to one peer.
//
// Read and Write may run concurrently with each other and with Ping. Ping returns once the
// peer acknowledged the probe or ctx is done; it relies on a concurrent Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport adapts a coder/websocket connection.
type wsTransport struct {
	c *websocket.Conn
}

// NewWSTransport wraps an accepted websocket connection.
func NewWSTransport(c *websocket.Conn) Transport {
	return &wsTransport{c: c}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, msg []byte) error {
	return t.c.Write(ctx, websocket.MessageBinary, msg)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.c.Ping(ctx)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.c.Close(code, reason)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	switch websocket.CloseStatus(err) {
	case -1:
	case websocket.StatusMessageTooBig:
		return readErrTooBig
	default:
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
