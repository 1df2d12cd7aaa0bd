package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/metrics"
)

// Origin tags updates replayed from the store. Update observers use it to tell replayed
// history from live edits.
var Origin = &origin{}

type origin struct{}

func (*origin) String() string { return "persistence" }

// Document is what a Binding needs from a live document.
type Document interface {
	Name() string
	ApplyUpdate(update []byte, origin any) error
	EncodeStateAsUpdate() []byte
	OnUpdate(h crdt.UpdateHandler) func()
}

// Binding attaches documents to a Store: replay on bind, write-through while bound, and a
// final compaction on WriteState.
type Binding struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration
	metrics *metrics.Metrics
	tracer  trace.Tracer
	compact bool

	mu    sync.Mutex
	bound map[string]*writer
}

// BindingOption configures a Binding.
type BindingOption func(*Binding)

// WithTimeout bounds every store operation. Default 10s.
func WithTimeout(d time.Duration) BindingOption {
	return func(b *Binding) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMetrics records op latency and errors.
func WithMetrics(m *metrics.Metrics) BindingOption {
	return func(b *Binding) { b.metrics = m }
}

// WithoutCompaction makes WriteState append the final state instead of replacing the stored
// history. Use it when other instances append to the same store concurrently.
func WithoutCompaction() BindingOption {
	return func(b *Binding) { b.compact = false }
}

// NewBinding constructs a Binding over store.
func NewBinding(store Store, log *slog.Logger, opts ...BindingOption) *Binding {
	if log == nil {
		log = slog.Default()
	}
	b := &Binding{
		store:   store,
		log:     log,
		timeout: 10 * time.Second,
		tracer:  otel.Tracer("github.com/luce-labs/meerkat/persistence"),
		bound:   make(map[string]*writer),
		compact: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Store returns the underlying store.
func (b *Binding) Store() Store { return b.store }

func (b *Binding) observe(op string, start time.Time, err error) {
	b.metrics.PersistenceOp(op, time.Since(start).Seconds(), err)
}

func (b *Binding) span(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "persistence."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("meerkat.doc", name)),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// BindState replays the stored history into doc and starts persisting every later update.
// Binding an already bound document is a no-op. A load failure leaves the document
// unbound; it stays usable in memory.
func (b *Binding) BindState(ctx context.Context, doc Document) (err error) {
	name := doc.Name()

	b.mu.Lock()
	if _, ok := b.bound[name]; ok {
		b.mu.Unlock()
		return nil
	}
	w := newWriter(b, name)
	b.bound[name] = w
	b.mu.Unlock()

	ctx, span := b.span(ctx, "bind", name)
	defer func() { endSpan(span, err) }()

	lctx, cancel := context.WithTimeout(ctx, b.timeout)
	start := time.Now()
	updates, err := b.store.LoadUpdates(lctx, name)
	cancel()
	b.observe("load", start, err)
	if err != nil {
		b.mu.Lock()
		delete(b.bound, name)
		b.mu.Unlock()
		w.stop()
		return fmt.Errorf("load %q: %w", name, err)
	}

	replayed := 0
	for _, u := range updates {
		if aerr := doc.ApplyUpdate(u, Origin); aerr != nil {
			// A corrupt record must not hide the rest of the history.
			b.log.Warn("persistence.replay.skip", "doc", name, "err", aerr)
			continue
		}
		replayed++
	}
	span.SetAttributes(attribute.Int("meerkat.updates", replayed))

	w.cancel = doc.OnUpdate(func(update []byte, o any) {
		if o == Origin {
			return
		}
		w.enqueue(update)
	})

	b.log.Debug("persistence.bind", "doc", name, "updates", replayed)
	return nil
}

// Bound reports whether name is currently bound.
func (b *Binding) Bound(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bound[name]
	return ok
}

// WriteState stops write-through for doc, waits for queued appends, then compacts the stored
// history to the current full state. A document whose history was never loaded may hold only
// part of it, so its state is appended instead.
func (b *Binding) WriteState(ctx context.Context, doc Document) (err error) {
	name := doc.Name()

	b.mu.Lock()
	w := b.bound[name]
	delete(b.bound, name)
	b.mu.Unlock()

	ctx, span := b.span(ctx, "write_state", name)
	defer func() { endSpan(span, err) }()

	if w != nil {
		if w.cancel != nil {
			w.cancel()
		}
		w.stop()
	}

	state := doc.EncodeStateAsUpdate()
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	op := "compact"
	if w == nil || !b.compact {
		op = "append_state"
	}
	span.SetAttributes(attribute.String("meerkat.write_mode", op))

	start := time.Now()
	if op == "compact" {
		err = b.store.Compact(cctx, name, state)
	} else {
		err = b.store.AppendUpdate(cctx, name, state)
	}
	b.observe(op, start, err)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, name, err)
	}
	b.log.Debug("persistence.write_state", "doc", name, "mode", op, "bytes", len(state))
	return nil
}

// writer appends updates for one document in arrival order on its own goroutine.
type writer struct {
	b      *Binding
	name   string
	cancel func()

	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	wake    chan struct{}
	drained chan struct{}
}

func newWriter(b *Binding, name string) *writer {
	w := &writer{
		b:       b,
		name:    name,
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) enqueue(update []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, clone(update))
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
}

// stop lets the loop finish the queue and waits for it.
func (w *writer) stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.wake)
	}
	w.mu.Unlock()
	<-w.drained
}

func (w *writer) loop() {
	defer close(w.drained)
	for {
		_, open := <-w.wake
		for {
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, u := range batch {
				w.append(u)
			}
		}
		if !open {
			return
		}
	}
}

func (w *writer) append(update []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), w.b.timeout)
	defer cancel()

	start := time.Now()
	err := w.b.store.AppendUpdate(ctx, w.name, update)
	w.b.observe("append", start, err)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrClosed) {
			level = slog.LevelWarn
		}
		w.b.log.Log(ctx, level, "persistence.write.fail", "doc", w.name, "err", err)
	}
}
