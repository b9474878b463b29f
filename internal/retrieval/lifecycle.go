package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/54b3r/kpmatch-go/internal/index"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/kperr"
	"github.com/54b3r/kpmatch-go/internal/tracing"
)

// Index sources reported in stats and logs.
const (
	sourceDisk  = "disk"
	sourceBuild = "build"
)

// Initialize brings the engine to StateReady. It loads the persisted index
// when one exists and matches the collection and embedding model, otherwise
// it rebuilds and persists. A failure leaves the engine in StateFailed and no
// queries are served until Initialize succeeds. Calling Initialize on a ready
// engine does nothing.
func (e *Engine) Initialize(ctx context.Context) (err error) {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	if e.State() == StateReady {
		return nil
	}

	ctx, span := tracing.Start(ctx, "retrieval.initialize")
	defer func() { tracing.End(span, err) }()

	snap, err := e.loadOrBuild(ctx, e.cfg.Store)
	if err != nil {
		e.state.Store(int32(StateFailed))
		e.log.Error("initialise failed", slog.Any("error", err))
		return err
	}

	e.mu.Lock()
	e.snap.Store(snap)
	e.state.Store(int32(StateReady))
	e.mu.Unlock()

	e.metrics.indexVectors.Set(float64(snap.index.Len()))
	return nil
}

func (e *Engine) loadOrBuild(ctx context.Context, store *knowledge.Store) (*snapshot, error) {
	want := e.expectation(store)
	reason := "persistence disabled"

	if dir := e.cfg.IndexDir; dir != "" {
		idx, found, err := index.Load(ctx, dir)
		switch {
		case err != nil && errors.Is(err, kperr.ErrPersistence):
			reason = "persisted index unreadable"
			e.log.Warn("persisted index rejected", slog.String("dir", dir), slog.Any("error", err))
		case err != nil:
			return nil, err
		case !found:
			reason = "no persisted index"
		default:
			reason = index.Staleness(idx.Metadata(), want)
			if reason == "" {
				e.metrics.indexLoads.WithLabelValues(sourceDisk).Inc()
				e.log.Info("index loaded",
					slog.String("dir", dir),
					slog.Int("vectors", idx.Len()),
					slog.String("model", idx.Metadata().ModelID),
				)
				return &snapshot{store: store, index: idx, source: sourceDisk, persisted: true}, nil
			}
		}
	}

	e.log.Info("rebuilding index", slog.String("reason", reason), slog.Int("items", store.Len()))
	idx, err := e.build(ctx, store, want.Fingerprint)
	if err != nil {
		return nil, err
	}
	persisted, err := e.save(ctx, idx)
	if err != nil {
		return nil, err
	}
	e.metrics.indexLoads.WithLabelValues(sourceBuild).Inc()
	return &snapshot{store: store, index: idx, source: sourceBuild, persisted: persisted}, nil
}

// UpdateIndex rebuilds the index from the current store regardless of
// validity, persists it and swaps it in. On failure the previous index keeps
// serving, both in memory and on disk.
func (e *Engine) UpdateIndex(ctx context.Context) (err error) {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	cur, err := e.ready()
	if err != nil {
		return err
	}
	ctx, span := tracing.Start(ctx, "retrieval.update_index")
	defer func() { tracing.End(span, err) }()

	return e.replace(ctx, cur.store, "forced")
}

// ReloadContent re-reads the knowledge source file, rebuilds the index over
// it and swaps store and index together. The store must have been loaded
// from a file.
func (e *Engine) ReloadContent(ctx context.Context) (err error) {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	cur, err := e.ready()
	if err != nil {
		return err
	}
	path := cur.store.Path()
	if path == "" {
		return kperr.Newf(kperr.KindInvalidArgument, kperr.StageLoad, "retrieval: store was not loaded from a file")
	}

	ctx, span := tracing.Start(ctx, "retrieval.reload_content")
	defer func() { tracing.End(span, err) }()

	store, err := knowledge.Load(path)
	if err != nil {
		return err
	}
	return e.replace(ctx, store, "reload")
}

// replace builds an index over store, then saves and swaps it while holding
// the exclusive lock. Callers hold updateMu.
func (e *Engine) replace(ctx context.Context, store *knowledge.Store, reason string) error {
	e.log.Info("rebuilding index", slog.String("reason", reason), slog.Int("items", store.Len()))

	idx, err := e.build(ctx, store, store.Fingerprint(e.cfg.FingerprintMode))
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	persisted, err := e.save(ctx, idx)
	if err != nil {
		return err
	}
	e.snap.Store(&snapshot{store: store, index: idx, source: sourceBuild, persisted: persisted})
	e.metrics.indexVectors.Set(float64(idx.Len()))
	return nil
}

func (e *Engine) build(ctx context.Context, store *knowledge.Store, fingerprint string) (*index.Index, error) {
	ctx, span := tracing.Start(ctx, "retrieval.build")
	start := time.Now()

	entries := make([]index.Entry, store.Len())
	for i := range entries {
		kp := store.At(i)
		entries[i] = index.Entry{ID: kp.ID, Text: knowledge.TextForEmbedding(kp)}
	}
	idx, err := index.Build(ctx, entries, e.cfg.Embedder, index.BuildOptions{
		Fingerprint:       fingerprint,
		ProjectionVersion: knowledge.ProjectionVersion,
	})
	tracing.End(span, err)

	e.metrics.indexBuilds.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	e.log.Info("index built",
		slog.Int("vectors", idx.Len()),
		slog.Int("dim", idx.Dim()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return idx, nil
}

// save persists idx when an index directory is configured. It reports
// whether anything was written.
func (e *Engine) save(ctx context.Context, idx *index.Index) (bool, error) {
	dir := e.cfg.IndexDir
	if dir == "" {
		return false, nil
	}
	if err := idx.Save(ctx, dir); err != nil {
		return false, fmt.Errorf("retrieval: %w", err)
	}
	e.log.Info("index saved", slog.String("dir", dir))
	return true, nil
}

func (e *Engine) expectation(store *knowledge.Store) index.Expectation {
	return index.Expectation{
		Fingerprint:       store.Fingerprint(e.cfg.FingerprintMode),
		ModelID:           e.cfg.Embedder.ModelID(),
		Count:             store.Len(),
		ProjectionVersion: knowledge.ProjectionVersion,
		IDs:               store.IDs(),
	}
}
