// Package bundling groups pending orders that share a destination city and a
// narrow departure window into bundles a single driver can serve in one trip.
package bundling

import (
	"fmt"
	"sort"
	"time"

	"github.com/adilkhanov/ride-match/internal/domain"
)

const DefaultWindow = time.Hour

type Engine struct {
	window time.Duration
}

func NewEngine(window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{window: window}
}

// Group partitions the pending subset of orders into bundles and standalone
// orders. Non-pending orders are ignored entirely. The pass is pure and
// deterministic: same input, same output.
//
// Within a destination city, orders are sorted by scheduled time and swept
// left to right. A window is anchored at the scheduled time of its first
// order; an order joins while its time minus the anchor is within the window
// (inclusive). The anchor never rolls forward, so a chain of orders each an
// hour apart still splits into separate windows.
func (e *Engine) Group(orders []domain.Order) ([]domain.Bundle, []domain.Order) {
	var pending []domain.Order
	for _, o := range orders {
		if o.Status == domain.StatusPending {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	byCity := make(map[string][]domain.Order)
	var cities []string
	for _, o := range pending {
		if _, ok := byCity[o.ToCity]; !ok {
			cities = append(cities, o.ToCity)
		}
		byCity[o.ToCity] = append(byCity[o.ToCity], o)
	}
	// City iteration order must not depend on map ordering.
	sort.Strings(cities)

	var bundles []domain.Bundle
	var standalone []domain.Order

	for _, city := range cities {
		cityOrders := byCity[city]
		sort.SliceStable(cityOrders, func(i, j int) bool {
			return cityOrders[i].ScheduledAt.Before(cityOrders[j].ScheduledAt)
		})

		var window []domain.Order
		var anchor time.Time

		flush := func() {
			if len(window) >= 2 {
				bundles = append(bundles, makeBundle(city, window))
			} else if len(window) == 1 {
				standalone = append(standalone, window[0])
			}
		}

		for _, o := range cityOrders {
			if len(window) == 0 {
				window = []domain.Order{o}
				anchor = o.ScheduledAt
				continue
			}
			if o.ScheduledAt.Sub(anchor) <= e.window {
				window = append(window, o)
				continue
			}
			flush()
			window = []domain.Order{o}
			anchor = o.ScheduledAt
		}
		flush()
	}

	return bundles, standalone
}

func makeBundle(city string, members []domain.Order) domain.Bundle {
	b := domain.Bundle{
		ToCity: city,
		// Members arrive sorted ascending, so the first is the earliest.
		ScheduledAt: members[0].ScheduledAt,
		Orders:      members,
	}
	for _, o := range members {
		b.TotalPrice += o.PriceOrZero()
		switch o.Type {
		case domain.OrderTypePassenger:
			b.PassengerCount++
		case domain.OrderTypeParcel:
			b.ParcelCount++
		}
	}
	b.ID = fmt.Sprintf("%s_%d", city, b.ScheduledAt.UnixMilli())
	return b
}
