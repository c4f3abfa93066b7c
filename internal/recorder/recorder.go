package recorder

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"go.uber.org/zap"
)

// DepthSource is the live view the cache is refreshed from.
type DepthSource interface {
	Depth(symbol string, n int) (domain.Depth, error)
}

// Recorder writes book events behind the books: orders, trades and balances
// go to the repository in one transaction per event, and the depth cache is
// refreshed for the event's symbol.
type Recorder struct {
	repo   port.Repository
	cache  port.Cache
	source DepthSource
	levels int
	logger *zap.Logger
}

func New(repo port.Repository, cache port.Cache, source DepthSource, levels int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, cache: cache, source: source, levels: levels, logger: logger}
}

// Run records events until ctx is done or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan domain.Event) {
	r.logger.Info("recorder started", zap.Int("depth_levels", r.levels))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.Record(ctx, ev); err != nil {
				r.logger.Error("failed to record event",
					zap.String("kind", string(ev.Kind)),
					zap.String("symbol", ev.Symbol),
					zap.Uint64("version", ev.Version),
					zap.Error(err))
			}
		}
	}
}

func (r *Recorder) Record(ctx context.Context, ev domain.Event) error {
	if r.repo != nil {
		err := withTx(ctx, r.repo, func(tx port.Tx) error {
			for _, o := range ev.Orders {
				if err := tx.SaveOrder(ctx, o); err != nil {
					return err
				}
			}
			for _, t := range ev.Trades {
				if err := tx.SaveTrade(ctx, ev.Symbol, t); err != nil {
					return err
				}
			}
			for _, b := range ev.Balances {
				if err := tx.SaveBalance(ctx, b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recorder: save %s event: %w", ev.Kind, err)
		}
	}
	if ev.Symbol != "" {
		r.updateCache(ctx, ev.Symbol)
	}
	return nil
}

func (r *Recorder) updateCache(ctx context.Context, symbol string) {
	if r.cache == nil || r.source == nil {
		return
	}
	d, err := r.source.Depth(symbol, r.levels)
	if err == nil {
		err = r.cache.SetDepth(ctx, symbol, d.DeepCopy())
	}
	if err != nil {
		r.logger.Warn("depth cache refresh failed", zap.String("symbol", symbol), zap.Error(err))
		_ = r.cache.Invalidate(ctx, symbol)
	}
}

// CachedDepth serves depth from the cache and falls back to the live book,
// refilling the cache on a miss.
func (r *Recorder) CachedDepth(ctx context.Context, symbol string) (*domain.Depth, error) {
	if r.cache != nil {
		if d, err := r.cache.GetDepth(ctx, symbol); err == nil && d != nil {
			return d, nil
		}
	}
	d, err := r.source.Depth(symbol, r.levels)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.SetDepth(ctx, symbol, d.DeepCopy())
	}
	return &d, nil
}

// SaveSnapshot stores the full depth of symbol and returns the snapshot id.
func (r *Recorder) SaveSnapshot(ctx context.Context, symbol string) (string, error) {
	if r.repo == nil {
		return "", fmt.Errorf("recorder: no repository: %w", domain.ErrInvalidState)
	}
	d, err := r.source.Depth(symbol, allLevels)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := r.repo.SaveSnapshot(ctx, id, &d); err != nil {
		return "", err
	}
	r.logger.Info("depth snapshot saved", zap.String("symbol", symbol), zap.String("snapshot_id", id))
	return id, nil
}

func (r *Recorder) LoadSnapshot(ctx context.Context, snapshotID string) (*domain.Depth, error) {
	if r.repo == nil {
		return nil, fmt.Errorf("recorder: no repository: %w", domain.ErrInvalidState)
	}
	return r.repo.LoadSnapshot(ctx, snapshotID)
}

const allLevels = 1 << 30

func withTx(ctx context.Context, repo port.Repository, fn func(port.Tx) error) error {
	tx, err := repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
