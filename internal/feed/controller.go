// Package feed maintains the consumer-visible projection of the order book:
// bundles plus standalone orders, recomputed from store snapshots.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/adilkhanov/ride-match/internal/bundling"
	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/observability"
)

const profileBatchSize = 100

type SnapshotStore interface {
	ListPendingOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
}

type ProfileStore interface {
	GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Profile, error)
}

// View is what drivers and passengers see: bundles and the pending orders
// that did not cluster. It is derived state, never written back.
type View struct {
	Bundles          []domain.Bundle
	StandaloneOrders []domain.Order
	RefreshedAt      time.Time
}

// Overview is the administrative projection: the pending view plus every
// order in any status and per-status counts.
type Overview struct {
	View
	AllOrders []domain.Order
	Counts    map[domain.OrderStatus]int
}

type Controller struct {
	store    SnapshotStore
	profiles ProfileStore
	engine   *bundling.Engine
	logger   observability.Logger

	mu       sync.RWMutex
	lastGood View
	hasView  bool

	kick chan struct{}
}

func NewController(store SnapshotStore, profiles ProfileStore, engine *bundling.Engine, logger observability.Logger) *Controller {
	return &Controller{
		store:    store,
		profiles: profiles,
		engine:   engine,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Feed returns the current view. An unfiltered request is served from the
// maintained view; a filtered one takes a fresh filtered snapshot so bundles
// reflect exactly the orders the caller can see. Roles other than admin only
// ever see the pending projection.
func (c *Controller) Feed(ctx context.Context, f domain.OrderFilter) (View, error) {
	if err := f.Validate(); err != nil {
		return View{}, err
	}

	if f == (domain.OrderFilter{}) {
		c.mu.RLock()
		cached, ok := c.lastGood, c.hasView
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		if err := c.Refresh(ctx); err != nil {
			return View{}, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.lastGood, nil
	}

	return c.derive(ctx, f)
}

// AdminOverview is Feed plus all-status orders and counts.
func (c *Controller) AdminOverview(ctx context.Context, f domain.OrderFilter) (Overview, error) {
	if err := f.Validate(); err != nil {
		return Overview{}, err
	}

	orders, err := c.store.ListOrders(ctx, f)
	if err != nil {
		return Overview{}, err
	}
	orders = c.hydrate(ctx, orders)

	// The engine ignores non-pending orders, so one all-status snapshot
	// yields both projections.
	bundles, standalone := c.engine.Group(orders)

	counts := make(map[domain.OrderStatus]int)
	for _, o := range orders {
		counts[o.Status]++
	}

	return Overview{
		View: View{
			Bundles:          bundles,
			StandaloneOrders: standalone,
			RefreshedAt:      time.Now(),
		},
		AllOrders: orders,
		Counts:    counts,
	}, nil
}

// Refresh rebuilds the maintained view from a fresh snapshot. On failure the
// previous view stays in place; a single bad refresh never blanks the feed.
func (c *Controller) Refresh(ctx context.Context) error {
	start := time.Now()
	view, err := c.derive(ctx, domain.OrderFilter{})
	observability.FeedRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.WithError(err).Warn("feed refresh failed, keeping last good view")
		return err
	}

	c.mu.Lock()
	c.lastGood = view
	c.hasView = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) derive(ctx context.Context, f domain.OrderFilter) (View, error) {
	orders, err := c.store.ListPendingOrders(ctx, f)
	if err != nil {
		return View{}, err
	}
	orders = c.hydrate(ctx, orders)
	bundles, standalone := c.engine.Group(orders)
	return View{
		Bundles:          bundles,
		StandaloneOrders: standalone,
		RefreshedAt:      time.Now(),
	}, nil
}

// Invalidate schedules an asynchronous refresh. Called after every claim
// attempt, won or lost, so the view self-heals after races.
func (c *Controller) Invalidate() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run keeps the maintained view current: change-notification deliveries and
// explicit invalidations trigger refreshes, with a poll ticker as fallback.
func (c *Controller) Run(ctx context.Context, deliveries <-chan amqp.Delivery, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	if err := c.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("initial feed refresh failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			c.Refresh(ctx)
		case <-c.kick:
			c.Refresh(ctx)
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// hydrate attaches requester profiles. Best effort: a profile store failure
// degrades the view to unhydrated orders instead of failing the refresh.
func (c *Controller) hydrate(ctx context.Context, orders []domain.Order) []domain.Order {
	if c.profiles == nil || len(orders) == 0 {
		return orders
	}

	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, o := range orders {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			ids = append(ids, o.UserID)
		}
	}

	var mu sync.Mutex
	found := make(map[uuid.UUID]*domain.Profile, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(ids); start += profileBatchSize {
		end := start + profileBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		g.Go(func() error {
			m, err := c.profiles.GetProfiles(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, p := range m {
				found[id] = p
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.WithError(err).Warn("profile hydration failed")
		return orders
	}

	for i := range orders {
		orders[i].User = found[orders[i].UserID]
	}
	return orders
}
