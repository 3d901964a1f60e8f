package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
)

// ReloadObserver receives the outcome of every snapshot load.
type ReloadObserver interface {
	RecordSnapshotReload(outcome string, chunks int)
}

// Watcher keeps the Store on the newest published snapshot.
type Watcher struct {
	// mu serializes loads; a startup load never overlaps an event swap.
	mu sync.Mutex

	loader   *Loader
	store    *Store
	observer ReloadObserver
	logger   *slog.Logger
}

func NewWatcher(loader *Loader, store *Store, observer ReloadObserver, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{loader: loader, store: store, observer: observer, logger: logger}
}

// LoadLatest publishes the latest published snapshot.
func (w *Watcher) LoadLatest(ctx context.Context) error {
	return w.Handle(ctx, "")
}

// Handle loads version and swaps it in. The version already being served is
// ignored.
func (w *Watcher) Handle(ctx context.Context, version string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cur := w.store.Current(); cur != nil && version != "" && cur.Info().Version == version {
		w.record("skipped", cur.Stats().TotalChunks)
		return nil
	}

	snap, err := w.loader.Load(ctx, version)
	if err != nil {
		w.record("failed", 0)
		w.logger.Error("snapshot reload failed", slog.String("version", version), slog.String("error", err.Error()))
		return err
	}

	prev := w.store.Publish(snap)
	stats := snap.Stats()
	w.record("loaded", stats.TotalChunks)

	attrs := []any{slog.String("version", stats.Version), slog.Int("chunks", stats.TotalChunks)}
	if prev != nil {
		attrs = append(attrs, slog.String("previous", prev.Info().Version))
	}
	w.logger.Info("index snapshot published", attrs...)
	return nil
}

// Start subscribes to snapshot events before loading the latest published
// snapshot. A nil events source only loads. A failed load is logged and the
// process waits for the next event.
func (w *Watcher) Start(ctx context.Context, events ports.SnapshotEvents) error {
	if events != nil {
		if err := events.SubscribeSnapshotReady(ctx, w.Handle); err != nil {
			return fmt.Errorf("subscribe snapshot events: %w", err)
		}
	}
	if err := w.LoadLatest(ctx); err != nil {
		w.logger.Warn("no snapshot loaded at startup", slog.String("error", err.Error()))
	}
	return nil
}

func (w *Watcher) record(outcome string, chunks int) {
	if w.observer != nil {
		w.observer.RecordSnapshotReload(outcome, chunks)
	}
}
