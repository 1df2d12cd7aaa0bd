package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
)

type namedDoc struct {
	*crdt.Doc
	name string
}

func (d namedDoc) Name() string { return d.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	bodies []Payload
	status int
	delay  time.Duration
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	var p Payload
	_ = json.NewDecoder(req.Body).Decode(&p)
	r.mu.Lock()
	r.bodies = append(r.bodies, p)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *recorder) last() Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[len(r.bodies)-1]
}

func newDoc(t *testing.T) namedDoc {
	t.Helper()
	d := namedDoc{Doc: crdt.NewDoc(), name: "room-42"}
	b := crdt.NewBuilder(1, 0)
	_ = b.Set("files", "main.go", "package main")
	_ = b.Push("terminal", "$ ls")
	_ = d.ApplyUpdate(b.InsertText("monaco", "hi").Update(), nil)
	return d
}

func TestHook_DeliverPayload(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	h, err := New(Config{
		URL: srv.URL,
		Objects: map[string]crdt.Kind{
			"monaco":   crdt.KindText,
			"files":    crdt.KindMap,
			"terminal": crdt.KindArray,
			"odd":      crdt.Kind("Counter"),
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := h.Deliver(context.Background(), newDoc(t)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	p := rec.last()
	if p.Room != "room-42" {
		t.Fatalf("room=%q want=room-42", p.Room)
	}
	tests := []struct {
		name    string
		kind    crdt.Kind
		content string
	}{
		{name: "monaco", kind: crdt.KindText, content: `"hi"`},
		{name: "files", kind: crdt.KindMap, content: `{"main.go":"package main"}`},
		{name: "terminal", kind: crdt.KindArray, content: `["$ ls"]`},
		{name: "odd", kind: "Counter", content: `{}`},
	}
	for _, tt := range tests {
		obj, ok := p.Data[tt.name]
		if !ok {
			t.Fatalf("missing object %q", tt.name)
		}
		if obj.Type != tt.kind || string(obj.Content) != tt.content {
			t.Fatalf("%s=%+v want type=%s content=%s", tt.name, obj, tt.kind, tt.content)
		}
	}
}

func TestHook_DeliverFailures(t *testing.T) {
	t.Parallel()

	bad := &recorder{status: http.StatusBadGateway}
	badSrv := httptest.NewServer(bad)
	defer badSrv.Close()

	h, _ := New(Config{URL: badSrv.URL}, testLogger())
	err := h.Deliver(context.Background(), newDoc(t))
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("err=%v want StatusError 502", err)
	}

	slow := &recorder{delay: 300 * time.Millisecond}
	slowSrv := httptest.NewServer(slow)
	defer slowSrv.Close()

	h, _ = New(Config{URL: slowSrv.URL, Timeout: 50 * time.Millisecond}, testLogger())
	start := time.Now()
	if err := h.Deliver(context.Background(), newDoc(t)); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("delivery not bounded by timeout")
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	h, _ := New(Config{
		URL:     srv.URL,
		Wait:    40 * time.Millisecond,
		MaxWait: 200 * time.Millisecond,
		Objects: map[string]crdt.Kind{"monaco": crdt.KindText},
	}, testLogger())

	d := namedDoc{Doc: crdt.NewDoc(), name: "room-42"}
	w := h.Watch(d)
	defer w.Stop()

	b := crdt.NewBuilder(1, 0)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		_ = d.ApplyUpdate(b.InsertText("monaco", s).Update(), nil)
		w.Notify()
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("deliveries=%d want=1", got)
	}
	if got := string(rec.last().Data["monaco"].Content); got != `"abcde"` {
		t.Fatalf("content=%s want=%q", got, "abcde")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://x", "http://", "::"} {
		if _, err := New(Config{URL: raw}, nil); err == nil {
			t.Fatalf("New(%q) expected error", raw)
		}
	}

	h, err := New(Config{URL: "https://hooks.example.com/doc"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.cfg.Timeout != 5*time.Second || h.cfg.Wait != 2*time.Second || h.cfg.MaxWait != 10*time.Second {
		t.Fatalf("defaults=%+v", h.cfg)
	}
}

func TestParseObjects(t *testing.T) {
	t.Parallel()

	got, err := ParseObjects(`{"monaco":"Text","files":"Map"}`)
	if err != nil {
		t.Fatalf("ParseObjects: %v", err)
	}
	if got["monaco"] != crdt.KindText || got["files"] != crdt.KindMap {
		t.Fatalf("objects=%v", got)
	}
	if _, err := ParseObjects(`[1]`); err == nil {
		t.Fatalf("expected error for non-object")
	}
	empty, err := ParseObjects("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty=%v err=%v", empty, err)
	}
}
