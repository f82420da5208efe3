// Package engine implements the hierarchical S2 cell search. A region
// maps to a small covering set of cells; each covering cell is walked
// down the hierarchy, reading cached levels and filling missing leaves
// from the upstream fetcher, streaming batches to the caller's sink as
// they resolve.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/whereitwent/places-backend/internal/cache"
	"github.com/whereitwent/places-backend/internal/cache/placestore"
	"github.com/whereitwent/places-backend/internal/core/model"
	"github.com/whereitwent/places-backend/internal/core/observability"
	"github.com/whereitwent/places-backend/internal/s2geo"
	"github.com/whereitwent/places-backend/internal/upstream"
)

// Sink receives partial results while a search runs. Returning an error
// aborts the search; the streaming layer uses that for supersession.
type Sink interface {
	OnBatch(places []model.Place) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(places []model.Place) error

func (f SinkFunc) OnBatch(places []model.Place) error { return f(places) }

type Config struct {
	// CacheTTL is the lifetime of place-list entries. Defaults to 12h.
	CacheTTL time.Duration
	// LockTTL bounds the fill lease on a covering cell. Defaults to 10s.
	LockTTL time.Duration
	// LockWaitTimeout is how long a loser of the lease polls for the
	// winner's value before filling on its own. Defaults to 3s.
	LockWaitTimeout time.Duration
	// LockPollInterval is the polling cadence. Defaults to 50ms.
	LockPollInterval time.Duration
	// MaxRecursionLevel is the leaf level of the walk. Defaults to 16.
	MaxRecursionLevel int
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 12 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = 3 * time.Second
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = 50 * time.Millisecond
	}
	if c.MaxRecursionLevel <= 0 {
		c.MaxRecursionLevel = 16
	}
}

type Engine struct {
	logger  *slog.Logger
	store   cache.Interface
	fetcher upstream.Fetcher
	cfg     Config
}

func New(logger *slog.Logger, store cache.Interface, fetcher upstream.Fetcher, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		logger:  logger,
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
	}
}

// Search finds the places inside the region circle. Batches stream to
// the sink as cells resolve; the returned slice is the full union
// filtered to exact haversine distance. The only error returned is a
// cancellation, either from ctx or from the sink; cache and upstream
// failures degrade to missing places.
func (e *Engine) Search(ctx context.Context, region s2geo.SearchRegion, sink Sink) ([]model.Place, error) {
	start := time.Now()

	center := s2geo.CellFromRegion(region)
	covering := e.coveringSet(region, center)

	e.logger.Debug("search start",
		"lat", region.Lat, "lon", region.Lon, "radius", region.RadiusM,
		"cell", center.Token, "level", center.Level, "covering", len(covering))

	// one worker per covering cell; results keep the covering order
	results := make([][]model.Place, len(covering))
	errs := make([]error, len(covering))
	var wg sync.WaitGroup
	for i, c := range covering {
		wg.Add(1)
		go func(i int, c s2geo.Cell) {
			defer wg.Done()
			results[i], errs[i] = e.coverCell(ctx, c, sink)
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var all []model.Place
	for _, r := range results {
		all = append(all, r...)
	}

	filtered := make([]model.Place, 0, len(all))
	for _, p := range all {
		if s2geo.Haversine(region.Lat, region.Lon, p.Latitude, p.Longitude) <= region.RadiusM {
			filtered = append(filtered, p)
		}
	}

	observability.ObserveSearch(time.Since(start).Seconds())
	e.logger.Debug("search done",
		"cell", center.Token, "found", len(filtered), "unfiltered", len(all),
		"dur", time.Since(start).String())
	return filtered, nil
}

// coveringSet keeps the common case of a region well inside its cell to
// the center cell alone; a region reaching within its radius of the
// parent's nearest boundary pulls in the intersecting neighbors.
func (e *Engine) coveringSet(region s2geo.SearchRegion, center s2geo.Cell) []s2geo.Cell {
	parent := s2geo.Parent(center)
	covering := []s2geo.Cell{center}
	if s2geo.DistanceToNearestBoundary(region, parent) <= region.RadiusM {
		covering = append(covering, s2geo.IntersectingNeighbors(region, center)...)
	}
	return covering
}

// coverCell resolves one covering cell under the single-flight
// discipline: cached value, else lease plus fill, else poll for the
// lease holder's value, else fill anyway (last write wins).
func (e *Engine) coverCell(ctx context.Context, cell s2geo.Cell, sink Sink) ([]model.Place, error) {
	places, err := e.store.Get(ctx, cell.Token)
	switch {
	case err == nil:
		if err := e.emit(ctx, sink, places); err != nil {
			return nil, err
		}
		return places, nil
	case errors.Is(err, placestore.ErrCorrupt):
		// a fresh fill below replaces the broken aggregate
		e.logger.Warn("corrupted covering entry", "token", cell.Token)
	case errors.Is(err, placestore.ErrMiss):
	default:
		e.logger.Warn("cache read failed", "token", cell.Token, "err", err)
	}

	lease, lockErr := e.store.AcquireLock(ctx, cell.Token, e.cfg.LockTTL)
	if lockErr == nil {
		defer func() {
			if rerr := e.store.ReleaseLock(context.WithoutCancel(ctx), cell.Token, lease); rerr != nil {
				e.logger.Warn("lock release failed", "token", cell.Token, "err", rerr)
			}
		}()
		return e.fill(ctx, cell, sink)
	}

	if errors.Is(lockErr, placestore.ErrNotLocked) {
		if cached, ok := e.waitForFill(ctx, cell.Token); ok {
			if err := e.emit(ctx, sink, cached); err != nil {
				return nil, err
			}
			return cached, nil
		}
	} else {
		e.logger.Warn("lock acquire failed", "token", cell.Token, "err", lockErr)
	}

	return e.fill(ctx, cell, sink)
}

// fill walks the cell and writes the aggregate through to the cache.
func (e *Engine) fill(ctx context.Context, cell s2geo.Cell, sink Sink) ([]model.Place, error) {
	places, err := e.walk(ctx, cell, sink)
	if err != nil {
		return nil, err
	}
	if serr := e.store.Set(ctx, cell.Token, places, e.cfg.CacheTTL); serr != nil {
		e.logger.Warn("cache write failed", "token", cell.Token, "err", serr)
	}
	return places, nil
}

// waitForFill polls the key while another filler works on it.
func (e *Engine) waitForFill(ctx context.Context, token string) ([]model.Place, bool) {
	deadline := time.Now().Add(e.cfg.LockWaitTimeout)
	ticker := time.NewTicker(e.cfg.LockPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
		places, err := e.store.Get(ctx, token)
		if err == nil {
			return places, true
		}
	}
	return nil, false
}

// walk descends the hierarchy. Cells at or below the recursion floor
// are leaves filled by one upstream fetch; above it each of the 4
// children is read from the cache or recursed into and written back.
func (e *Engine) walk(ctx context.Context, cell s2geo.Cell, sink Sink) ([]model.Place, error) {
	if cell.Level >= e.cfg.MaxRecursionLevel {
		return e.fetchLeaf(ctx, cell, sink)
	}

	var agg []model.Place
	for _, child := range s2geo.Children(cell) {
		cached, err := e.store.Get(ctx, child.Token)
		switch {
		case err == nil:
			agg = append(agg, cached...)
			if err := e.emit(ctx, sink, cached); err != nil {
				return nil, err
			}
		case errors.Is(err, placestore.ErrCorrupt):
			// skip the subtree and leave the broken entry in place
			e.logger.Warn("corrupted cache value, skipping child", "token", child.Token)
		default:
			if !errors.Is(err, placestore.ErrMiss) {
				e.logger.Warn("cache read failed, treating as miss", "token", child.Token, "err", err)
			}
			childPlaces, werr := e.walk(ctx, child, sink)
			if werr != nil {
				return nil, werr
			}
			if serr := e.store.Set(ctx, child.Token, childPlaces, e.cfg.CacheTTL); serr != nil {
				e.logger.Warn("cache write failed", "token", child.Token, "err", serr)
			}
			agg = append(agg, childPlaces...)
		}
	}
	return agg, nil
}

// fetchLeaf makes the one upstream call a leaf gets. Fetch failures are
// swallowed into an empty leaf; partial coverage beats a dead stream.
func (e *Engine) fetchLeaf(ctx context.Context, cell s2geo.Cell, sink Sink) ([]model.Place, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	places, err := e.fetcher.FetchPlacesForCell(ctx, cell)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("leaf fetch failed", "token", cell.Token, "level", cell.Level, "err", err)
		return nil, nil
	}
	if err := e.emit(ctx, sink, places); err != nil {
		return nil, err
	}
	return places, nil
}

func (e *Engine) emit(ctx context.Context, sink Sink, places []model.Place) error {
	if len(places) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sink.OnBatch(places)
}
