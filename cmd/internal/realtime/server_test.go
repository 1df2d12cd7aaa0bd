package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

func newTestServer(cfg ServerConfig, opts ...RegistryOption) *Server {
	log := discardLogger()
	return NewServer(log, NewRegistry(log, opts...), cfg, nil)
}

func presenceMsg(id, clock uint64, state string) []byte {
	en := v1.AwarenessEntry{ClientID: id, Clock: clock}
	if state != "" {
		en.State = json.RawMessage(state)
	}
	return v1.EncodeAwareness(v1.EncodeAwarenessUpdate([]v1.AwarenessEntry{en}))
}

func TestServe_HandshakeRequestsPeerState(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{}, WithSeed(func(_ context.Context, d *Document) error {
		return d.ApplyUpdate(crdt.NewBuilder(1, 0).InsertText("monaco", "seed").Update(), nil)
	}))

	ft := newFakeTransport()
	go func() { _ = srv.Serve(context.Background(), "handshake", ft) }()

	f := nextFrame(t, ft, nil)
	if f.kind != v1.KindSync || f.syncType != v1.SyncStep1 {
		t.Fatalf("first frame kind=%s sync_type=%d want sync step1", f.kind, f.syncType)
	}
	d, _ := srv.Registry().Lookup("handshake")
	if !bytes.Equal(f.payload, d.EncodeStateVector()) {
		t.Fatalf("step1 payload is not the document state vector")
	}

	// Answering with an empty state vector yields the whole document point-to-point.
	ft.deliver(v1.EncodeSyncStep1(crdt.NewDoc().EncodeStateVector()))
	reply := nextFrame(t, ft, isSync(v1.SyncStep2))

	client := crdt.NewDoc()
	if err := client.ApplyUpdate(reply.payload, nil); err != nil {
		t.Fatalf("apply step2: %v", err)
	}
	raw, _ := client.Snapshot("monaco", crdt.KindText)
	if string(raw) != `"seed"` {
		t.Fatalf("client text=%s want=%q", raw, "seed")
	}
	ft.hangUp()
}

func TestServe_UpdateReachesEveryConnectionIncludingOrigin(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "room-42")
	b := startSession(t, srv, "room-42")

	d1, _ := srv.Registry().Lookup("room-42")
	if d1.ConnCount() != 2 {
		t.Fatalf("conns=%d want=2", d1.ConnCount())
	}

	u := crdt.NewBuilder(7, 0).InsertText("monaco", "x").Update()
	a.ft.deliver(v1.EncodeSyncUpdate(u))

	for name, s := range map[string]*session{"origin": a, "peer": b} {
		f := nextFrame(t, s.ft, isSync(v1.SyncUpdate))
		if !bytes.Equal(f.payload, u) {
			t.Fatalf("%s got update %x want %x", name, f.payload, u)
		}
	}

	// Re-sending a known update is a no-op and not re-broadcast.
	a.ft.deliver(v1.EncodeSyncUpdate(u))
	assertQuiet(t, b.ft, 50*time.Millisecond, isSync(v1.SyncUpdate))

	a.ft.hangUp()
	b.ft.hangUp()
	if err := a.wait(t); err != nil {
		t.Fatalf("Serve a: %v", err)
	}
	_ = b.wait(t)
	waitFor(t, time.Second, func() bool { return srv.Registry().Len() == 0 })
}

func TestServe_SyncReplyIsPointToPoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "p2p")
	b := startSession(t, srv, "p2p")

	a.ft.deliver(v1.EncodeSyncStep1(nil))
	nextFrame(t, a.ft, isSync(v1.SyncStep2))
	assertQuiet(t, b.ft, 50*time.Millisecond, isSync(v1.SyncStep2))

	a.ft.hangUp()
	b.ft.hangUp()
}

func TestServe_PresenceOwnershipAndRemovalOnClose(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "presence")
	b := startSession(t, srv, "presence")

	a.ft.deliver(presenceMsg(10, 1, `{"user":"ada"}`))

	got := nextFrame(t, b.ft, isAwareness)
	if len(got.entries) != 1 || got.entries[0].ClientID != 10 || got.entries[0].Removed() {
		t.Fatalf("peer presence=%+v", got.entries)
	}
	assertQuiet(t, a.ft, 50*time.Millisecond, isAwareness)

	d, _ := srv.Registry().Lookup("presence")
	conns := d.Connections()
	owner := 0
	for _, c := range conns {
		if ids := d.Owned(c); len(ids) == 1 && ids[0] == 10 {
			owner++
		}
	}
	if owner != 1 {
		t.Fatalf("client 10 owned by %d connections want=1", owner)
	}

	a.ft.hangUp()
	_ = a.wait(t)

	removed := nextFrame(t, b.ft, isAwareness)
	if len(removed.entries) != 1 || removed.entries[0].ClientID != 10 || !removed.entries[0].Removed() {
		t.Fatalf("removal=%+v", removed.entries)
	}
	if d.Awareness().Len() != 0 {
		t.Fatalf("presence len=%d want=0", d.Awareness().Len())
	}
	b.ft.hangUp()
}

func TestServe_WriteFailureTearsDown(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "broken")
	b := startSession(t, srv, "broken")

	a.ft.deliver(presenceMsg(10, 1, `{"user":"ada"}`))
	nextFrame(t, b.ft, isAwareness)

	// The next frame written to a fails at the socket.
	a.ft.failWrite.Store(true)
	b.ft.deliver(v1.EncodeSyncUpdate(crdt.NewBuilder(7, 0).InsertText("monaco", "x").Update()))
	_ = a.wait(t)

	if code, reason := a.ft.closeStatus(); code != websocket.StatusAbnormalClosure {
		t.Fatalf("close=%d %q want=%d", code, reason, websocket.StatusAbnormalClosure)
	}

	removed := nextFrame(t, b.ft, isAwareness)
	if len(removed.entries) != 1 || removed.entries[0].ClientID != 10 || !removed.entries[0].Removed() {
		t.Fatalf("removal=%+v", removed.entries)
	}
	d, _ := srv.Registry().Lookup("broken")
	if d.ConnCount() != 1 || d.Awareness().Len() != 0 {
		t.Fatalf("conns=%d presence=%d want=1 and 0", d.ConnCount(), d.Awareness().Len())
	}

	b.ft.hangUp()
	_ = b.wait(t)
	waitFor(t, time.Second, func() bool { return srv.Registry().Len() == 0 })
}

func TestServe_LongStoredHistoryDoesNotOverflowFirstConnection(t *testing.T) {
	t.Parallel()

	st := persistence.NewMemoryStore()
	ctx := context.Background()
	builder := crdt.NewBuilder(5, 0)
	const n = 10 * minSendQueueSize
	for i := 0; i < n; i++ {
		if err := st.AppendUpdate(ctx, "log", builder.InsertText("monaco", "x").Update()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	srv := newTestServer(ServerConfig{SendQueueSize: minSendQueueSize},
		WithPersistence(persistence.NewBinding(st, discardLogger())))
	s := startSession(t, srv, "log")

	s.ft.deliver(v1.EncodeSyncStep1(crdt.NewDoc().EncodeStateVector()))
	reply := nextFrame(t, s.ft, isSync(v1.SyncStep2))

	client := crdt.NewDoc()
	if err := client.ApplyUpdate(reply.payload, nil); err != nil {
		t.Fatalf("apply step2: %v", err)
	}
	raw, _ := client.Snapshot("monaco", crdt.KindText)
	if len(raw) != n+2 {
		t.Fatalf("replayed text len=%d want=%d", len(raw)-2, n)
	}
	if c := mustConn(t, srv.Registry(), "log"); c.State() != StateOpen {
		t.Fatalf("state=%s want=OPEN", c.State())
	}
	s.ft.hangUp()
}

func TestServe_NewConnectionReceivesPresenceSnapshot(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "snapshot")
	a.ft.deliver(presenceMsg(3, 1, `{"cursor":1}`))
	d, _ := srv.Registry().Lookup("snapshot")
	waitFor(t, time.Second, func() bool { return d.Awareness().Len() == 1 })

	b := startSession(t, srv, "snapshot")
	f := nextFrame(t, b.ft, isAwareness)
	if len(f.entries) != 1 || f.entries[0].ClientID != 3 {
		t.Fatalf("snapshot=%+v", f.entries)
	}

	// Query answers point-to-point with the same snapshot.
	b.ft.deliver(v1.EncodeQueryAwareness())
	f = nextFrame(t, b.ft, isAwareness)
	if len(f.entries) != 1 || string(f.entries[0].State) != `{"cursor":1}` {
		t.Fatalf("query snapshot=%+v", f.entries)
	}

	a.ft.hangUp()
	b.ft.hangUp()
}

func TestServe_MalformedAndUnknownMessagesKeepConnectionOpen(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "robust")

	for _, msg := range [][]byte{
		{},                 // empty
		{0x00, 0x09, 0x00}, // unknown sync type
		{0x00, 0x02, 0x05}, // truncated update
		{0x01, 0x03, 0x01}, // truncated awareness
		{0x07, 0x01},       // unknown kind
		{0x02, 0x00},       // auth is ignored
	} {
		a.ft.deliver(msg)
	}

	u := crdt.NewBuilder(1, 0).InsertText("t", "ok").Update()
	a.ft.deliver(v1.EncodeSyncUpdate(u))
	if f := nextFrame(t, a.ft, isSync(v1.SyncUpdate)); !bytes.Equal(f.payload, u) {
		t.Fatalf("update after garbage=%x", f.payload)
	}

	c := mustConn(t, srv.Registry(), "robust")
	if c.State() != StateOpen {
		t.Fatalf("state=%s want=OPEN", c.State())
	}
	a.ft.hangUp()
}

func TestServe_LivenessTimeoutClosesConnection(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{HeartbeatInterval: 20 * time.Millisecond})
	a := startSession(t, srv, "liveness")
	a.ft.deaf.Store(true)

	if err := a.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	code, reason := a.ft.closeStatus()
	if code != websocket.StatusGoingAway || reason != "liveness timeout" {
		t.Fatalf("close=%d %q want=%d %q", code, reason, websocket.StatusGoingAway, "liveness timeout")
	}
	waitFor(t, time.Second, func() bool { return srv.Registry().Len() == 0 })
}

func TestServe_LivePeerStaysOpen(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{HeartbeatInterval: 10 * time.Millisecond})
	a := startSession(t, srv, "alive")

	time.Sleep(150 * time.Millisecond)
	select {
	case err := <-a.done:
		t.Fatalf("session ended early: %v", err)
	default:
	}
	if a.ft.pings.Load() < 3 {
		t.Fatalf("pings=%d want>=3", a.ft.pings.Load())
	}
	a.ft.hangUp()
	_ = a.wait(t)
}

func TestServe_RegistryClosedRejects(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	if err := srv.Registry().Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ft := newFakeTransport()
	err := srv.Serve(context.Background(), "late", ft)
	if !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("err=%v want ErrRegistryClosed", err)
	}
	if code, _ := ft.closeStatus(); code != websocket.StatusTryAgainLater {
		t.Fatalf("close code=%d want=%d", code, websocket.StatusTryAgainLater)
	}
}

func TestServe_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{})
	a := startSession(t, srv, "shutdown")

	if err := srv.Registry().Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = a.wait(t)
	if code, reason := a.ft.closeStatus(); code != websocket.StatusGoingAway || reason != "server shutdown" {
		t.Fatalf("close=%d %q", code, reason)
	}
}

func TestServe_PresenceRateLimitDropsExcess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(ServerConfig{PresenceRateEvents: 2, PresenceRateWindow: time.Hour})
	a := startSession(t, srv, "flood")

	for i := uint64(1); i <= 3; i++ {
		a.ft.deliver(presenceMsg(i, 1, `{}`))
	}
	// Make sure all three were read before checking.
	a.ft.deliver(v1.EncodeSyncStep1(nil))
	nextFrame(t, a.ft, isSync(v1.SyncStep2))

	d, _ := srv.Registry().Lookup("flood")
	if got := d.Awareness().ClientIDs(); len(got) != 2 {
		t.Fatalf("presence=%v want 2 entries", got)
	}
	c := mustConn(t, srv.Registry(), "flood")
	if c.State() != StateOpen {
		t.Fatalf("rate limited connection closed")
	}
	a.ft.hangUp()
}

func TestConn_SendQueueOverflowClosesOnce(t *testing.T) {
	t.Parallel()

	failures := 0
	c := newConn("c1", newFakeTransport(), 1, nil)
	c.onSendFailure = func() { failures++ }
	c.open()

	for i := 0; i < minSendQueueSize; i++ {
		if !c.Send([]byte{byte(i)}) {
			t.Fatalf("send %d rejected", i)
		}
	}
	if c.Send([]byte{0xff}) {
		t.Fatalf("send on full queue accepted")
	}
	if c.State() != StateClosing {
		t.Fatalf("state=%s want=CLOSING", c.State())
	}
	if c.Send([]byte{0xfe}) {
		t.Fatalf("send after close accepted")
	}
	if failures != 1 {
		t.Fatalf("failures=%d want=1", failures)
	}
	if code, reason := c.closeStatus(); code != websocket.StatusPolicyViolation || reason != "send queue overflow" {
		t.Fatalf("close=%d %q", code, reason)
	}
}

func TestReadyState_String(t *testing.T) {
	t.Parallel()

	cases := map[ReadyState]string{
		StateConnecting: "CONNECTING",
		StateOpen:       "OPEN",
		StateClosing:    "CLOSING",
		StateClosed:     "CLOSED",
		ReadyState(9):   "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("String(%d)=%q want=%q", s, got, want)
		}
	}
}

// mustConn returns the single connection attached to name.
func mustConn(t *testing.T, r *Registry, name string) *Conn {
	t.Helper()
	d, ok := r.Lookup(name)
	if !ok {
		t.Fatalf("document %q not live", name)
	}
	conns := d.Connections()
	if len(conns) != 1 {
		t.Fatalf("conns=%d want=1", len(conns))
	}
	return conns[0]
}
