package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/coder/websocket"
)

// GatewayConfig holds the HTTP-facing policy of the websocket gateway.
type GatewayConfig struct {
	// AllowedOrigins lists full origins or bare hosts. "*" allows any origin.
	AllowedOrigins []string
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64
}

// WSGateway is the websocket entrypoint. The request path names the document.
type WSGateway struct {
	log    *slog.Logger
	server *Server

	originRequired bool
	allowedOrigins []string
	anyOrigin      bool

	// Host patterns for websocket.Accept, derived from allowedOrigins so both checks agree.
	originPatterns []string

	maxMessageBytes int64
}

// NewWSGateway constructs a gateway serving sessions through server.
func NewWSGateway(log *slog.Logger, server *Server, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	g := &WSGateway{
		log:             log,
		server:          server,
		originRequired:  cfg.OriginRequired,
		allowedOrigins:  cfg.AllowedOrigins,
		maxMessageBytes: cfg.MaxMessageBytes,
	}
	if g.maxMessageBytes <= 0 {
		g.maxMessageBytes = defaultMaxMessageBytes
	}
	for _, a := range g.allowedOrigins {
		if strings.TrimSpace(a) == "*" {
			g.anyOrigin = true
		}
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)
	return g
}

// ServeHTTP answers plain requests with "okay" and upgrades websocket requests.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("okay"))
		return
	}
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the document session until it closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	name := DocumentName(r)
	if name == "" {
		http.Error(w, "missing document name", http.StatusBadRequest)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
		// An explicit "*" allowlist disables the library's same-host check as well.
		InsecureSkipVerify: g.anyOrigin,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "doc", name, "err", err)
		return
	}
	conn.SetReadLimit(g.maxMessageBytes)

	_ = g.server.Serve(r.Context(), name, NewWSTransport(conn))
}

// DocumentName returns the escaped request path without its leading slash.
func DocumentName(r *http.Request) string {
	return strings.TrimPrefix(r.URL.EscapedPath(), "/")
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if g.anyOrigin {
		return nil
	}
	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted set of hosts in allowed.
// websocket.Accept matches them against the Origin host with path.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
