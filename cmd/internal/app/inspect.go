package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/notify"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
)

// ErrPersistenceDisabled is returned by offline commands when no persistence target is set.
var ErrPersistenceDisabled = errors.New("persistence is not configured")

type storedDoc struct {
	*crdt.Doc
	name string
}

func (d *storedDoc) Name() string { return d.name }

// loadDocument replays the stored history of name into a fresh document. Records that fail
// to apply are skipped.
func loadDocument(ctx context.Context, st persistence.Store, name string, gc bool, log Logger) (*storedDoc, error) {
	updates, err := st.LoadUpdates(ctx, name)
	if err != nil {
		return nil, err
	}
	d := &storedDoc{Doc: crdt.NewDoc(crdt.WithGC(gc)), name: name}
	for i, u := range updates {
		if err := d.ApplyUpdate(u, persistence.Origin); err != nil {
			log.Warn("inspect.replay.skip", "doc", name, "index", i, "err", err)
		}
	}
	return d, nil
}

// Inspect prints the webhook-style JSON snapshot of a persisted document.
func Inspect(ctx context.Context, cfg Config, log Logger, name string, objects map[string]crdt.Kind, w io.Writer) error {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if st == nil {
		return ErrPersistenceDisabled
	}

	d, err := loadDocument(ctx, st, name, cfg.GC, log)
	if err != nil {
		return fmt.Errorf("load %q: %w", name, err)
	}
	payload, err := notify.BuildPayload(d, objects)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// ListDocuments prints the names of all persisted documents, one per line.
func ListDocuments(ctx context.Context, cfg Config, log Logger, w io.Writer) error {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if st == nil {
		return ErrPersistenceDisabled
	}

	l, ok := st.(persistence.Lister)
	if !ok {
		return fmt.Errorf("persistence target %q cannot list documents", cfg.Persistence)
	}
	names, err := l.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, err := fmt.Fprintln(w, n); err != nil {
			return err
		}
	}
	return nil
}
