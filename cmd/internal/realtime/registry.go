package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/luce-labs/meerkat/cmd/internal/metrics"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
)

var (
	// ErrRegistryClosed is returned once the registry shut down.
	ErrRegistryClosed = errors.New("realtime: registry closed")
	// ErrDocumentInUse is returned when evicting a document that still has connections.
	ErrDocumentInUse = errors.New("realtime: document has connections")
)

// DocumentObserver is composed into every new document. It returns a cancel func run on
// eviction.
type DocumentObserver func(d *Document) (cancel func())

// SeedFunc fills a freshly created document after persistence replay.
type SeedFunc func(ctx context.Context, d *Document) error

// Registry owns the in-memory documents of one process.
//
// Lifecycle: a document is created on first resolve and removed when its last connection
// leaves. With persistence configured, the final state is written before a new instance of
// the same name can be bound.
type Registry struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	binding         *persistence.Binding
	gc              bool
	presenceTimeout time.Duration
	flushTimeout    time.Duration
	observers       []DocumentObserver
	seed            SeedFunc

	mu       sync.Mutex
	docs     map[string]*Document
	flushing map[string]chan struct{}
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPersistence binds every document to b.
func WithPersistence(b *persistence.Binding) RegistryOption {
	return func(r *Registry) { r.binding = b }
}

// WithGC sets the merge engine GC flag for new documents. Default true.
func WithGC(enabled bool) RegistryOption {
	return func(r *Registry) { r.gc = enabled }
}

// WithPresenceTimeout sets the presence expiry. Zero disables expiry.
func WithPresenceTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.presenceTimeout = d }
}

// WithFlushTimeout bounds the final write on eviction.
func WithFlushTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.flushTimeout = d
		}
	}
}

// WithRegistryMetrics records document counts.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithObserver composes o into every new document.
func WithObserver(o DocumentObserver) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithSeed runs fn once per new document before it becomes ready.
func WithSeed(fn SeedFunc) RegistryOption {
	return func(r *Registry) { r.seed = fn }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:             log,
		gc:              true,
		presenceTimeout: defaultPresenceTimeout,
		flushTimeout:    30 * time.Second,
		docs:            make(map[string]*Document),
		flushing:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the document for name, creating it if needed, once it is ready.
func (r *Registry) Resolve(ctx context.Context, name string) (*Document, error) {
	return r.acquire(ctx, name, nil)
}

// Attach resolves name and registers c on it in one step, so a concurrent eviction cannot
// remove the document in between.
func (r *Registry) Attach(ctx context.Context, name string, c *Conn) (*Document, error) {
	return r.acquire(ctx, name, c)
}

func (r *Registry) acquire(ctx context.Context, name string, c *Conn) (*Document, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}

		if d, ok := r.docs[name]; ok {
			if c != nil {
				d.attach(c)
			}
			r.mu.Unlock()
			return r.waitReady(ctx, d, c)
		}

		// The previous instance is still writing its final state.
		if wait, ok := r.flushing[name]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		d := newDocument(name, r.log, r.metrics, r.gc, r.presenceTimeout)
		r.docs[name] = d
		if c != nil {
			d.attach(c)
		}
		r.mu.Unlock()

		r.metrics.DocOpened()
		r.log.Debug("doc.create", "doc", name)

		r.initialize(context.WithoutCancel(ctx), d)
		return r.waitReady(ctx, d, c)
	}
}

// initialize binds persistence, seeds and composes observers, then marks d ready.
// Failures leave the document usable in memory.
func (r *Registry) initialize(ctx context.Context, d *Document) {
	defer close(d.ready)

	if r.binding != nil {
		if err := r.binding.BindState(ctx, d); err != nil {
			r.log.Error("persistence.bind.fail", "doc", d.name, "err", err)
		}
	}
	if r.seed != nil {
		if err := r.seed(ctx, d); err != nil {
			r.log.Warn("doc.seed.fail", "doc", d.name, "err", err)
		}
	}
	for _, o := range r.observers {
		d.addCancel(o(d))
	}
}

func (r *Registry) waitReady(ctx context.Context, d *Document, c *Conn) (*Document, error) {
	select {
	case <-d.ready:
		return d, nil
	case <-ctx.Done():
		if c != nil {
			r.Release(c)
		}
		return nil, ctx.Err()
	}
}

// Release detaches c from its document, removes the presence entries it owned and evicts
// the document when it was the last connection.
func (r *Registry) Release(c *Conn) {
	d := c.doc
	if d == nil {
		return
	}

	r.mu.Lock()
	owned, remaining := d.detach(c)
	evict := remaining == 0 && r.docs[d.name] == d
	var flushed chan struct{}
	if evict {
		delete(r.docs, d.name)
		if r.binding != nil {
			flushed = make(chan struct{})
			r.flushing[d.name] = flushed
		}
	}
	r.mu.Unlock()

	if len(owned) > 0 {
		d.awareness.Remove(owned, c)
	}
	if !evict {
		return
	}

	if flushed == nil {
		select {
		case <-d.ready:
			r.finishEvict(d)
		default:
			go func() {
				<-d.ready
				r.finishEvict(d)
			}()
		}
		return
	}
	go func() {
		<-d.ready
		r.flush(d)
		r.mu.Lock()
		delete(r.flushing, d.name)
		r.mu.Unlock()
		close(flushed)
	}()
}

func (r *Registry) flush(d *Document) {
	ctx, cancel := context.WithTimeout(context.Background(), r.flushTimeout)
	defer cancel()

	d.close()
	if err := r.binding.WriteState(ctx, d); err != nil {
		r.log.Error("persistence.flush.fail", "doc", d.name, "err", err)
	}
	r.metrics.DocEvicted()
	r.log.Debug("doc.evict", "doc", d.name, "flushed", true)
}

func (r *Registry) finishEvict(d *Document) {
	d.close()
	r.metrics.DocEvicted()
	r.log.Debug("doc.evict", "doc", d.name, "flushed", false)
}

// Evict removes an idle document, writing its final state first.
func (r *Registry) Evict(ctx context.Context, name string) error {
	d, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	if r.docs[name] != d {
		r.mu.Unlock()
		return nil
	}
	if d.ConnCount() > 0 {
		r.mu.Unlock()
		return ErrDocumentInUse
	}
	delete(r.docs, name)
	if r.binding == nil {
		r.mu.Unlock()
		r.finishEvict(d)
		return nil
	}
	flushed := make(chan struct{})
	r.flushing[name] = flushed
	r.mu.Unlock()

	r.flush(d)
	r.mu.Lock()
	delete(r.flushing, name)
	r.mu.Unlock()
	close(flushed)
	return nil
}

// Lookup returns the live document for name without creating it.
func (r *Registry) Lookup(name string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[name]
	return d, ok
}

// Len returns the number of live documents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Names returns the live document names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.docs))
	for name := range r.docs {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close closes every connection, writes every document and waits for pending flushes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.docs = make(map[string]*Document)
	pending := make([]chan struct{}, 0, len(r.flushing))
	for _, ch := range r.flushing {
		pending = append(pending, ch)
	}
	r.mu.Unlock()

	for _, d := range docs {
		for _, c := range d.Connections() {
			c.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range docs {
		g.Go(func() error {
			select {
			case <-d.ready:
			case <-gctx.Done():
				return gctx.Err()
			}
			if r.binding == nil {
				r.finishEvict(d)
				return nil
			}
			r.flush(d)
			return nil
		})
	}
	for _, ch := range pending {
		g.Go(func() error {
			select {
			case <-ch:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
