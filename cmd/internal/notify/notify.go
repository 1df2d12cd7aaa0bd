// Package notify delivers debounced document snapshots to an external webhook.
//
// Each document gets a Watcher. Every accepted update calls Notify; the debouncer collapses
// bursts into one POST of {"room": name, "data": {object: {"type", "content"}}}. Failures
// are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/debounce"
	"github.com/luce-labs/meerkat/cmd/internal/metrics"
)

// Config configures the webhook.
type Config struct {
	URL     string
	Timeout time.Duration
	Wait    time.Duration
	MaxWait time.Duration
	// Objects maps substructure name to its kind.
	Objects map[string]crdt.Kind
}

// Source is the document state a delivery reads from.
type Source interface {
	Name() string
	Snapshot(name string, kind crdt.Kind) (json.RawMessage, error)
}

// Payload is the webhook body.
type Payload struct {
	Room string            `json:"room"`
	Data map[string]Object `json:"data"`
}

// Object is one exported substructure.
type Object struct {
	Type    crdt.Kind       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Hook posts snapshots to one endpoint.
type Hook struct {
	cfg     Config
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Hook.
type Option func(*Hook)

// WithHTTPClient overrides the HTTP client. Its timeout is replaced by Config.Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Hook) {
		if c != nil {
			cp := *c
			h.client = &cp
		}
	}
}

// WithMetrics counts deliveries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hook) { h.metrics = m }
}

// New validates cfg and returns a Hook.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Hook, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid callback url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Hook{
		cfg:    cfg,
		client: &http.Client{},
		log:    log,
		tracer: otel.Tracer("github.com/luce-labs/meerkat/notify"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.client.Timeout = cfg.Timeout
	return h, nil
}

// Build extracts the configured objects from src.
func (h *Hook) Build(src Source) (Payload, error) {
	return BuildPayload(src, h.cfg.Objects)
}

// BuildPayload extracts objects from src in name order.
func BuildPayload(src Source, objects map[string]crdt.Kind) (Payload, error) {
	names := make([]string, 0, len(objects))
	for name := range objects {
		names = append(names, name)
	}
	sort.Strings(names)

	p := Payload{Room: src.Name(), Data: make(map[string]Object, len(names))}
	for _, name := range names {
		kind := objects[name]
		content, err := src.Snapshot(name, kind)
		if err != nil {
			return Payload{}, fmt.Errorf("snapshot %q: %w", name, err)
		}
		p.Data[name] = Object{Type: kind, Content: content}
	}
	return p, nil
}

// Deliver posts the current snapshot of src once.
func (h *Hook) Deliver(ctx context.Context, src Source) (err error) {
	ctx, span := h.tracer.Start(ctx, "notify.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("meerkat.doc", src.Name())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.metrics.NotifyDelivery("error")
		} else {
			span.SetStatus(codes.Ok, "")
			h.metrics.NotifyDelivery("ok")
		}
		span.End()
	}()

	p, err := h.Build(src)
	if err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StatusError reports a non-2xx webhook response.
type StatusError struct{ Code int }

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify: webhook returned status %d", e.Code)
}

// Watch returns a Watcher delivering src.
func (h *Hook) Watch(src Source) *Watcher {
	w := &Watcher{h: h, src: src}
	w.d = debounce.New(h.cfg.Wait, h.cfg.MaxWait, w.deliver)
	return w
}

// Watcher debounces deliveries for one document.
type Watcher struct {
	h   *Hook
	src Source
	d   *debounce.Debouncer
}

// Notify schedules a delivery. It never blocks on the network.
func (w *Watcher) Notify() { w.d.Trigger() }

// Flush delivers a pending notification now.
func (w *Watcher) Flush() bool { return w.d.Flush() }

// Stop drops any pending delivery.
func (w *Watcher) Stop() { w.d.Stop() }

func (w *Watcher) deliver() {
	err := w.h.Deliver(context.Background(), w.src)
	if err == nil {
		return
	}
	var se *StatusError
	if errors.As(err, &se) {
		w.h.log.Warn("notify.deliver.fail", "doc", w.src.Name(), "status", se.Code)
		return
	}
	w.h.log.Warn("notify.deliver.fail", "doc", w.src.Name(), "err", err)
}

// ParseObjects decodes a JSON object of name -> kind, e.g. {"monaco":"Text"}. Unknown kinds
// are kept and render as {}.
func ParseObjects(raw string) (map[string]crdt.Kind, error) {
	if raw == "" {
		return map[string]crdt.Kind{}, nil
	}
	var in map[string]string
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("notify: parse objects: %w", err)
	}
	out := make(map[string]crdt.Kind, len(in))
	for name, k := range in {
		out[name] = crdt.ParseKind(k)
	}
	return out, nil
}
