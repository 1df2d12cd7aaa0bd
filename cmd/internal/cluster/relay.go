// Package cluster relays document updates between server instances over Redis pub/sub.
//
// Every instance publishes the updates accepted by its live documents on one channel and
// applies the updates published by other instances to the documents it currently holds.
// Instances that do not hold a document ignore its updates; they read the persisted state
// when the document is next loaded.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/ids"
	"github.com/luce-labs/meerkat/cmd/internal/metrics"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "meerkat:updates"

const (
	defaultOutboxSize     = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Origin tags updates applied from the relay. They are never re-published.
var Origin = &origin{}

type origin struct{}

func (*origin) String() string { return "cluster" }

// ErrMalformedMessage is returned for relay messages that cannot be decoded.
var ErrMalformedMessage = errors.New("cluster: malformed relay message")

// Document is the part of a live document the relay needs.
type Document interface {
	Name() string
	ApplyUpdate(update []byte, origin any) error
	OnUpdate(h crdt.UpdateHandler) func()
}

// LookupFunc returns the live document for name, if this instance holds it.
type LookupFunc func(name string) (Document, bool)

// Relay publishes local updates and applies remote ones.
type Relay struct {
	client  redis.UniversalClient
	channel string
	node    string
	lookup  LookupFunc
	log     *slog.Logger
	metrics *metrics.Metrics

	out chan []byte
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics counts relayed messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithNodeID overrides the generated node id.
func WithNodeID(id string) Option {
	return func(r *Relay) {
		if id != "" {
			r.node = id
		}
	}
}

// NewRelay constructs a Relay. Run must be called for messages to flow.
func NewRelay(client redis.UniversalClient, channel string, lookup LookupFunc, log *slog.Logger, opts ...Option) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		client:  client,
		channel: channel,
		node:    ids.MustULID(),
		lookup:  lookup,
		log:     log,
		out:     make(chan []byte, defaultOutboxSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// NodeID returns the id this instance publishes under.
func (r *Relay) NodeID() string { return r.node }

// Observe publishes every update d accepts, except replayed and relayed ones. It returns the
// cancel func of the subscription.
func (r *Relay) Observe(d Document) func() {
	name := d.Name()
	return d.OnUpdate(func(update []byte, origin any) {
		if origin == Origin || origin == persistence.Origin {
			return
		}
		select {
		case r.out <- encodeMessage(r.node, name, update):
		default:
			r.log.Warn("cluster.publish.drop", "doc", name)
		}
	})
}

// Run subscribes to the channel and relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("cluster subscribe %s: %w", r.channel, err)
	}
	r.log.Info("cluster.relay.start", "channel", r.channel, "node", r.node)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-r.out:
				pctx, cancel := context.WithTimeout(gctx, defaultPublishTimeout)
				err := r.client.Publish(pctx, r.channel, msg).Err()
				cancel()
				if err != nil {
					r.log.Warn("cluster.publish.fail", "err", err)
					continue
				}
				r.metrics.RelayMessage("out")
			}
		}
	})
	g.Go(func() error {
		ch := pubsub.Channel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case m, ok := <-ch:
				if !ok {
					return nil
				}
				if err := r.handle([]byte(m.Payload)); err != nil {
					r.log.Warn("cluster.receive.fail", "err", err)
				}
			}
		}
	})
	return g.Wait()
}

// handle applies one relay message to the local document, if any.
func (r *Relay) handle(msg []byte) error {
	node, name, update, err := decodeMessage(msg)
	if err != nil {
		return err
	}
	if node == r.node {
		return nil
	}
	d, ok := r.lookup(name)
	if !ok {
		return nil
	}
	r.metrics.RelayMessage("in")
	if err := d.ApplyUpdate(update, Origin); err != nil {
		return fmt.Errorf("apply relayed update for %q: %w", name, err)
	}
	return nil
}

// relay message layout: varstring(node) varstring(doc) varbytes(update)
func encodeMessage(node, name string, update []byte) []byte {
	e := v1.NewEncoder(len(node) + len(name) + len(update) + 12)
	e.WriteVarString(node)
	e.WriteVarString(name)
	e.WriteVarBytes(update)
	return e.Bytes()
}

func decodeMessage(msg []byte) (node, name string, update []byte, err error) {
	d := v1.NewDecoder(msg)
	if node, err = d.ReadVarString(); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if name, err = d.ReadVarString(); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if update, err = d.ReadVarBytes(); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if name == "" {
		return "", "", nil, fmt.Errorf("%w: empty document name", ErrMalformedMessage)
	}
	return node, name, update, nil
}
