package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

func newTestGateway(t *testing.T, cfg GatewayConfig) (*httptest.Server, *Server) {
	t.Helper()
	srv := newTestServer(ServerConfig{})
	ts := httptest.NewServer(NewWSGateway(discardLogger(), srv, cfg))
	t.Cleanup(ts.Close)
	return ts, srv
}

func dial(ctx context.Context, ts *httptest.Server, path, origin string) (*websocket.Conn, *http.Response, error) {
	opts := &websocket.DialOptions{}
	if origin != "" {
		opts.HTTPHeader = http.Header{"Origin": []string{origin}}
	}
	return websocket.Dial(ctx, ts.URL+path, opts)
}

func TestWSGateway_PlainRequestAnswersOkay(t *testing.T) {
	t.Parallel()

	ts, _ := newTestGateway(t, GatewayConfig{AllowedOrigins: []string{"*"}})

	resp, err := http.Get(ts.URL + "/any/doc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "okay" {
		t.Fatalf("status=%d body=%q want=200 okay", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestWSGateway_SessionHandshake(t *testing.T) {
	t.Parallel()

	ts, srv := newTestGateway(t, GatewayConfig{AllowedOrigins: []string{"*"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := dial(ctx, ts, "/room-1", "https://anywhere.example")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	typ, msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("message type=%v want binary", typ)
	}
	if f := decodeFrame(t, msg); f.kind != v1.KindSync || f.syncType != v1.SyncStep1 {
		t.Fatalf("first frame kind=%s sync_type=%d", f.kind, f.syncType)
	}

	if err := c.Write(ctx, websocket.MessageBinary, v1.EncodeSyncStep1(nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("read step2: %v", err)
	}
	if f := decodeFrame(t, msg); f.syncType != v1.SyncStep2 {
		t.Fatalf("reply sync_type=%d want step2", f.syncType)
	}
	if _, ok := srv.Registry().Lookup("room-1"); !ok {
		t.Fatalf("document room-1 not live")
	}

	_ = c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, 2*time.Second, func() bool { return srv.Registry().Len() == 0 })
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	ts, _ := newTestGateway(t, GatewayConfig{
		AllowedOrigins: []string{"https://app.example"},
		OriginRequired: true,
	})

	cases := []struct {
		name   string
		origin string
		want   int
	}{
		{name: "allowed", origin: "https://app.example", want: http.StatusSwitchingProtocols},
		{name: "other host", origin: "https://evil.example", want: http.StatusForbidden},
		{name: "missing", origin: "", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			c, resp, err := dial(ctx, ts, "/doc", tc.origin)
			if c != nil {
				defer c.Close(websocket.StatusNormalClosure, "")
			}
			if tc.want == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("dial succeeded, want status %d", tc.want)
			}
			if resp == nil || resp.StatusCode != tc.want {
				t.Fatalf("resp=%v want status %d", resp, tc.want)
			}
		})
	}
}

func TestWSGateway_EmptyDocumentNameRejected(t *testing.T) {
	t.Parallel()

	ts, _ := newTestGateway(t, GatewayConfig{AllowedOrigins: []string{"*"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := dial(ctx, ts, "/", "")
	if err == nil {
		t.Fatalf("dial to / succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp=%v want 400", resp)
	}
}

func TestDocumentName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/room-42":      "room-42",
		"/a/b":          "a/b",
		"/a%2Fb":        "a%2Fb",
		"/":             "",
		"/notes?x=1":    "notes",
		"/with%20space": "with%20space",
	}
	for raw, want := range cases {
		u, err := url.Parse("http://h" + raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got := DocumentName(&http.Request{URL: u}); got != want {
			t.Fatalf("DocumentName(%q)=%q want=%q", raw, got, want)
		}
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://App.Example:8443": "app.example",
		"http://localhost":         "localhost",
		"127.0.0.1:3000":           "127.0.0.1",
		"example.com":              "example.com",
		"  ":                       "",
		"https://":                 "",
	}
	for in, want := range cases {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"https://b.example", "*", "http://a.example:3000", "https://b.example:443", "",
	})
	want := []string{"a.example", "b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}
