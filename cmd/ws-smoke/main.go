// Package main provides a CI-friendly WebSocket smoke test for a running meerkat server.
//
// It validates:
//   - handshake and the initial sync step 1 on connect
//   - sync step 2 reply to a client step 1
//   - update fanout to both clients, including the sender
//   - presence relay to the other client and the presence query
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

const maxReadBytes = 16 << 20

type frame struct {
	kind    v1.Kind
	syncTyp v1.SyncType
	payload []byte
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/smoke-room", "WebSocket URL; the path is the document name")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello meerkat", "Text to insert")
		object  = flag.String("object", "monaco", "Shared text object name")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A and B to %s origin=%q\n", *wsURL, *origin)
	}

	// Step 1 from a client with an empty state gets the whole document back.
	mustWrite(root, a, v1.EncodeSyncStep1(crdt.NewDoc().EncodeStateVector()), *timeout)
	a.mustRead(root, *timeout, isSync(v1.SyncStep2))

	clientID := rand.Uint64N(1 << 53)
	update := crdt.NewBuilder(clientID, 0).InsertText(*object, *text).Update()
	mustWrite(root, a, v1.EncodeSyncUpdate(update), *timeout)

	a.mustRead(root, *timeout, isSync(v1.SyncUpdate))
	got := b.mustRead(root, *timeout, isSync(v1.SyncUpdate))
	mustContainText(got.payload, *object, *text)

	state, _ := json.Marshal(map[string]any{"user": map[string]string{"name": "smoke-A"}})
	presence := v1.EncodeAwarenessUpdate([]v1.AwarenessEntry{{ClientID: clientID, Clock: 1, State: state}})
	mustWrite(root, a, v1.EncodeAwareness(presence), *timeout)
	b.mustRead(root, *timeout, isAwareness(clientID))

	mustWrite(root, b, v1.EncodeQueryAwareness(), *timeout)
	b.mustRead(root, *timeout, isAwareness(clientID))

	fmt.Printf("OK: url=%s client_id=%d bytes=%d\n", *wsURL, clientID, len(update))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return errors.New("missing document name in path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustRead(parent, stepTimeout, isSync(v1.SyncStep1))
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unexpected message type: %v", mt))
				return
			}

			f, err := decodeFrame(data)
			if err != nil {
				c.fail(fmt.Errorf("bad frame: %w", err))
				return
			}

			select {
			case c.inbox <- f:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func decodeFrame(data []byte) (frame, error) {
	kind, d, err := v1.Decode(data)
	if err != nil {
		return frame{}, err
	}
	f := frame{kind: kind}
	switch kind {
	case v1.KindSync:
		f.syncTyp, f.payload, err = v1.ReadSyncMessage(d)
	case v1.KindAwareness:
		f.payload, err = d.ReadVarBytes()
	}
	return f, err
}

func isSync(typ v1.SyncType) func(frame) bool {
	return func(f frame) bool { return f.kind == v1.KindSync && f.syncTyp == typ }
}

func isAwareness(clientID uint64) func(frame) bool {
	return func(f frame) bool {
		if f.kind != v1.KindAwareness {
			return false
		}
		entries, err := v1.DecodeAwarenessUpdate(f.payload)
		if err != nil {
			return false
		}
		for _, en := range entries {
			if en.ClientID == clientID && !en.Removed() {
				return true
			}
		}
		return false
	}
}

// mustRead skips frames until match accepts one.
func (c *smokeClient) mustRead(parent context.Context, stepTimeout time.Duration, match func(frame) bool) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for frame (%s)", c.name)
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if match(f) {
				return f
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, msg []byte, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
		fatalf("write (%s): %v", c.name, err)
	}
}

func mustContainText(update []byte, object, text string) {
	d := crdt.NewDoc()
	if err := d.ApplyUpdate(update, nil); err != nil {
		fatalf("apply relayed update: %v", err)
	}
	raw, err := d.Snapshot(object, crdt.KindText)
	if err != nil {
		fatalf("snapshot %q: %v", object, err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		fatalf("decode snapshot: %v", err)
	}
	if got != text {
		fatalf("relayed text mismatch: got=%q want=%q", got, text)
	}
}

func closeWS(c *websocket.Conn) {
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
