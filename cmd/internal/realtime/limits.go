package realtime

import "time"

const (
	// Max bytes per websocket frame read. Sync payloads can carry whole documents.
	defaultMaxMessageBytes = 16 << 20

	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultPresenceTimeout   = 30 * time.Second

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	// Per-connection presence flood guard (awareness messages per window).
	defaultPresenceRateEvents = 300
	defaultPresenceRateWindow = 10 * time.Second

	// How long teardown waits for the heartbeat goroutine.
	closeGrace = 1 * time.Second
)
