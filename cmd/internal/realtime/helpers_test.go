package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// fakeTransport is an in-memory peer. Tests push client frames with deliver and read server
// frames from out.
type fakeTransport struct {
	in   chan []byte
	out  chan []byte
	gone chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	code      websocket.StatusCode
	reason    string

	// deaf makes Ping block until its context expires.
	deaf  atomic.Bool
	pings atomic.Int32
	// failWrite makes every later Write fail as a broken socket would.
	failWrite atomic.Bool

	goneOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.gone:
		return nil, websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "bye"}
	case <-f.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errBrokenPipe = errors.New("write: broken pipe")

func (f *fakeTransport) Write(ctx context.Context, msg []byte) error {
	if f.failWrite.Load() {
		return errBrokenPipe
	}
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	select {
	case f.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if f.deaf.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) closeStatus() (websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason
}

// deliver queues a client frame.
func (f *fakeTransport) deliver(msg []byte) { f.in <- msg }

// hangUp simulates the peer closing the socket.
func (f *fakeTransport) hangUp() { f.goneOnce.Do(func() { close(f.gone) }) }

type frame struct {
	kind     v1.Kind
	syncType v1.SyncType
	payload  []byte
	entries  []v1.AwarenessEntry
}

func decodeFrame(t *testing.T, msg []byte) frame {
	t.Helper()
	kind, d, err := v1.Decode(msg)
	if err != nil {
		t.Fatalf("decode frame %x: %v", msg, err)
	}
	f := frame{kind: kind}
	switch kind {
	case v1.KindSync:
		f.syncType, f.payload, err = v1.ReadSyncMessage(d)
	case v1.KindAwareness:
		f.payload, err = d.ReadVarBytes()
		if err == nil {
			f.entries, err = v1.DecodeAwarenessUpdate(f.payload)
		}
	}
	if err != nil {
		t.Fatalf("decode %s frame: %v", kind, err)
	}
	return f
}

// nextFrame returns the next server frame matching match, skipping others.
func nextFrame(t *testing.T, ft *fakeTransport, match func(frame) bool) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ft.out:
			f := decodeFrame(t, msg)
			if match == nil || match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("no matching frame within 2s")
			return frame{}
		}
	}
}

// assertQuiet fails if a matching frame arrives within d.
func assertQuiet(t *testing.T, ft *fakeTransport, d time.Duration, match func(frame) bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg := <-ft.out:
			if f := decodeFrame(t, msg); match(f) {
				t.Fatalf("unexpected frame kind=%s sync_type=%d", f.kind, f.syncType)
			}
		case <-deadline:
			return
		}
	}
}

func isSync(typ v1.SyncType) func(frame) bool {
	return func(f frame) bool { return f.kind == v1.KindSync && f.syncType == typ }
}

func isAwareness(f frame) bool { return f.kind == v1.KindAwareness }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type session struct {
	ft   *fakeTransport
	done chan error
}

// startSession runs Serve for a fresh fake peer and waits until it is attached.
func startSession(t *testing.T, srv *Server, name string) *session {
	t.Helper()
	s := &session{ft: newFakeTransport(), done: make(chan error, 1)}
	before := 0
	if d, ok := srv.Registry().Lookup(name); ok {
		before = d.ConnCount()
	}
	go func() { s.done <- srv.Serve(context.Background(), name, s.ft) }()
	waitFor(t, 2*time.Second, func() bool {
		d, ok := srv.Registry().Lookup(name)
		return ok && d.ConnCount() > before
	})
	// The handshake request is always the first frame.
	nextFrame(t, s.ft, isSync(v1.SyncStep1))
	return s
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end within 2s")
		return nil
	}
}
