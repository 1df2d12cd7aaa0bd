package realtime

import (
	"github.com/luce-labs/meerkat/cmd/internal/notify"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
)

// NotifyObserver schedules a webhook delivery after every accepted update. Updates replayed
// from persistence do not count as changes. On eviction a pending delivery is sent before
// the watcher stops.
func NotifyObserver(h *notify.Hook) DocumentObserver {
	return func(d *Document) func() {
		if h == nil {
			return nil
		}
		w := h.Watch(d)
		cancel := d.OnUpdate(func(_ []byte, origin any) {
			if origin == persistence.Origin {
				return
			}
			w.Notify()
		})
		return func() {
			cancel()
			w.Flush()
			w.Stop()
		}
	}
}
