package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/ids"
	"github.com/luce-labs/meerkat/cmd/internal/metrics"
	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// ServerConfig tunes the per-connection loop. Zero values select defaults.
type ServerConfig struct {
	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	SendQueueSize      int
	PresenceRateEvents int
	PresenceRateWindow time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.PresenceRateEvents <= 0 {
		c.PresenceRateEvents = defaultPresenceRateEvents
	}
	if c.PresenceRateWindow <= 0 {
		c.PresenceRateWindow = defaultPresenceRateWindow
	}
	return c
}

// Server runs the connection lifecycle: attach, handshake, dispatch, liveness and teardown.
type Server struct {
	log      *slog.Logger
	registry *Registry
	metrics  *metrics.Metrics
	cfg      ServerConfig
}

// NewServer constructs a Server over registry.
func NewServer(log *slog.Logger, registry *Registry, cfg ServerConfig, m *metrics.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log, registry: registry, metrics: m, cfg: cfg.withDefaults()}
}

// Registry returns the document registry.
func (s *Server) Registry() *Registry { return s.registry }

// Serve attaches t to the document name and blocks until the connection is closed.
func (s *Server) Serve(ctx context.Context, name string, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConn(ids.MustULID(), t, s.cfg.SendQueueSize, cancel)
	c.onSendFailure = s.metrics.SendFailure
	log := s.log.With("doc", name, "conn_id", c.ID)

	doc, err := s.registry.Attach(ctx, name, c)
	if err != nil {
		c.Close(websocket.StatusTryAgainLater, "document unavailable")
		_ = t.Close(websocket.StatusTryAgainLater, "document unavailable")
		c.state.Store(int32(StateClosed))
		log.Warn("ws.attach.fail", "err", err)
		return err
	}

	c.open()
	s.metrics.ConnOpened()
	log.Debug("ws.conn.open")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, c, log)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(ctx, c, log)
	}()

	// Handshake: ask the peer what it has, then show who is here.
	c.Send(v1.EncodeSyncStep1(doc.EncodeStateVector()))
	if snap := doc.presenceSnapshot(); snap != nil {
		c.Send(snap)
	}

	s.readLoop(ctx, c, doc, log)

	// Teardown.
	c.Close(websocket.StatusNormalClosure, "bye")
	s.registry.Release(c)
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}

	code, reason := c.closeStatus()
	_ = t.Close(code, reason)
	c.state.Store(int32(StateClosed))
	s.metrics.ConnClosed()
	log.Debug("ws.conn.close", "code", int(code), "reason", reason)
	return nil
}

func (s *Server) readLoop(ctx context.Context, c *Conn, doc *Document, log *slog.Logger) {
	rl := NewRateLimiter(s.cfg.PresenceRateEvents, s.cfg.PresenceRateWindow)

	for {
		msg, err := c.transport.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				c.Close(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				c.Close(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				c.Close(websocket.StatusAbnormalClosure, "conn closed")
			case readErrTooBig:
				log.Info("ws.read.too_big", "err", err)
				c.Close(websocket.StatusMessageTooBig, "message too big")
			default:
				log.Info("ws.read.fail", "err", err)
				c.Close(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}
		s.dispatch(c, doc, rl, msg, log)
	}
}

// dispatch handles one inbound message. Malformed messages are dropped; the connection
// stays open.
func (s *Server) dispatch(c *Conn, doc *Document, rl *RateLimiter, msg []byte, log *slog.Logger) {
	kind, dec, err := v1.Decode(msg)
	if err != nil {
		s.metrics.DecodeError("unknown")
		log.Debug("ws.decode.fail", "err", err)
		return
	}
	if !v1.Known(kind) {
		return
	}
	s.metrics.MessageReceived(kind.String())

	switch kind {
	case v1.KindSync:
		reply, err := crdt.ReadSyncMessage(dec, doc, c)
		if err != nil {
			s.metrics.DecodeError(kind.String())
			log.Info("ws.sync.fail", "err", err)
			return
		}
		if reply != nil {
			c.Send(reply)
		}

	case v1.KindAwareness:
		if !rl.Allow(time.Now()) {
			log.Warn("ws.presence.rate_limited")
			return
		}
		update, err := dec.ReadVarBytes()
		if err == nil {
			err = doc.applyPresence(update, c)
		}
		if err != nil {
			s.metrics.DecodeError(kind.String())
			log.Info("ws.presence.fail", "err", err)
		}

	case v1.KindQueryAwareness:
		if snap := doc.presenceSnapshot(); snap != nil {
			c.Send(snap)
		}

	default:
		// Auth messages are not handled by this server.
	}
}

func (s *Server) writeLoop(ctx context.Context, c *Conn, log *slog.Logger) {
	for {
		select {
		case <-c.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := c.transport.Write(wctx, msg)
			cancel()
			if err != nil {
				if c.Close(websocket.StatusAbnormalClosure, "write failed") {
					s.metrics.SendFailure()
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				}
				return
			}
		}
	}
}

// heartbeat probes the peer every interval. A probe still unacknowledged at the next tick
// closes the connection.
func (s *Server) heartbeat(ctx context.Context, c *Conn, log *slog.Logger) {
	every := s.cfg.HeartbeatInterval
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if c.pongPending.Load() {
				if c.Close(websocket.StatusGoingAway, "liveness timeout") {
					s.metrics.LivenessTimeout()
					log.Info("ws.liveness.timeout")
				}
				return
			}
			c.pongPending.Store(true)
			go func() {
				pctx, cancel := context.WithTimeout(ctx, every)
				defer cancel()
				if err := c.transport.Ping(pctx); err != nil {
					if !errors.Is(err, context.Canceled) {
						log.Debug("ws.ping.fail", "err", err)
					}
					return
				}
				c.pongPending.Store(false)
			}()
		}
	}
}
