package bundling_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adilkhanov/ride-match/internal/bundling"
	"github.com/adilkhanov/ride-match/internal/domain"
)

var day = time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)

func at(hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func order(city string, t time.Time) domain.Order {
	return domain.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Type:        domain.OrderTypePassenger,
		FromCity:    "Almaty",
		ToCity:      city,
		ScheduledAt: t,
		Status:      domain.StatusPending,
		Details:     domain.OrderDetails{SeatCount: 1},
	}
}

func memberIDs(b domain.Bundle) []uuid.UUID {
	ids := make([]uuid.UUID, len(b.Orders))
	for i, o := range b.Orders {
		ids[i] = o.ID
	}
	return ids
}

func TestGroup_AstanaWindow(t *testing.T) {
	// 10:00, 10:30, 10:50 all fit the 1h window anchored at 10:00;
	// 12:00 opens a new window and stays standalone.
	orders := []domain.Order{
		order("Astana", at(10, 0)),
		order("Astana", at(10, 30)),
		order("Astana", at(10, 50)),
		order("Astana", at(12, 0)),
	}

	bundles, standalone := bundling.NewEngine(time.Hour).Group(orders)

	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	b := bundles[0]
	if len(b.Orders) != 3 {
		t.Fatalf("expected 3 members, got %d", len(b.Orders))
	}
	if !b.ScheduledAt.Equal(at(10, 0)) {
		t.Errorf("representative time = %v, want 10:00", b.ScheduledAt)
	}
	if b.ToCity != "Astana" || b.PassengerCount != 3 || b.ParcelCount != 0 {
		t.Errorf("unexpected bundle attributes: %+v", b)
	}
	if len(standalone) != 1 || !standalone[0].ScheduledAt.Equal(at(12, 0)) {
		t.Errorf("expected the 12:00 order standalone, got %+v", standalone)
	}
}

func TestGroup_AnchorDoesNotRoll(t *testing.T) {
	// 10:00 and 10:50 share the window; 11:30 is 40min after 10:50 but
	// 90min after the anchor, so it must not join.
	orders := []domain.Order{
		order("Shymkent", at(10, 0)),
		order("Shymkent", at(10, 50)),
		order("Shymkent", at(11, 30)),
	}

	bundles, standalone := bundling.NewEngine(time.Hour).Group(orders)

	if len(bundles) != 1 || len(bundles[0].Orders) != 2 {
		t.Fatalf("expected one 2-member bundle, got %+v", bundles)
	}
	if len(standalone) != 1 || !standalone[0].ScheduledAt.Equal(at(11, 30)) {
		t.Fatalf("expected 11:30 standalone, got %+v", standalone)
	}
}

func TestGroup_ThresholdIsInclusive(t *testing.T) {
	orders := []domain.Order{
		order("Taraz", at(9, 0)),
		order("Taraz", at(10, 0)), // exactly 1h after the anchor
	}

	bundles, standalone := bundling.NewEngine(time.Hour).Group(orders)

	if len(bundles) != 1 || len(bundles[0].Orders) != 2 {
		t.Fatalf("boundary order should join the window, got bundles=%+v standalone=%+v", bundles, standalone)
	}
}

func TestGroup_NonPendingIgnored(t *testing.T) {
	matched := order("Astana", at(10, 10))
	matched.Status = domain.StatusMatched
	cancelled := order("Astana", at(10, 20))
	cancelled.Status = domain.StatusCancelled

	orders := []domain.Order{order("Astana", at(10, 0)), matched, cancelled}

	bundles, standalone := bundling.NewEngine(time.Hour).Group(orders)

	if len(bundles) != 0 {
		t.Fatalf("non-pending orders must never bundle, got %+v", bundles)
	}
	if len(standalone) != 1 || standalone[0].ID != orders[0].ID {
		t.Fatalf("only the pending order should remain, got %+v", standalone)
	}
}

func TestGroup_SingletonNeverBundles(t *testing.T) {
	bundles, standalone := bundling.NewEngine(time.Hour).Group([]domain.Order{order("Aktobe", at(8, 0))})
	if len(bundles) != 0 || len(standalone) != 1 {
		t.Fatalf("single pending order must be standalone, got bundles=%d standalone=%d", len(bundles), len(standalone))
	}
}

func TestGroup_EmptyInput(t *testing.T) {
	bundles, standalone := bundling.NewEngine(time.Hour).Group(nil)
	if len(bundles) != 0 || len(standalone) != 0 {
		t.Fatalf("empty input must produce empty output")
	}
}

func TestGroup_PartitionCorrectness(t *testing.T) {
	orders := []domain.Order{
		order("Astana", at(10, 0)),
		order("Astana", at(10, 30)),
		order("Karaganda", at(10, 15)),
		order("Karaganda", at(10, 45)),
		order("Astana", at(14, 0)),
	}

	bundles, standalone := bundling.NewEngine(time.Hour).Group(orders)

	seen := make(map[uuid.UUID]int)
	for _, b := range bundles {
		for _, o := range b.Orders {
			seen[o.ID]++
			if o.ToCity != b.ToCity {
				t.Errorf("order %s in bundle for %s has city %s", o.ID, b.ToCity, o.ToCity)
			}
			if o.Status != domain.StatusPending {
				t.Errorf("bundled order %s not pending", o.ID)
			}
			if o.ScheduledAt.Sub(b.ScheduledAt) > time.Hour {
				t.Errorf("order %s outside the bundle window", o.ID)
			}
		}
	}
	for _, o := range standalone {
		seen[o.ID]++
	}
	for _, o := range orders {
		if seen[o.ID] != 1 {
			t.Errorf("order %s appeared %d times across the view", o.ID, seen[o.ID])
		}
	}
}

func TestGroup_Totals(t *testing.T) {
	p1, p2 := 4000.0, 2500.0
	a := order("Astana", at(10, 0))
	a.Price = &p1
	b := order("Astana", at(10, 20))
	b.Type = domain.OrderTypeParcel
	b.Details = domain.OrderDetails{ParcelWeight: 3}
	b.Price = &p2
	c := order("Astana", at(10, 40)) // nil price counts as zero

	bundles, _ := bundling.NewEngine(time.Hour).Group([]domain.Order{a, b, c})

	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	got := bundles[0]
	if got.TotalPrice != 6500 {
		t.Errorf("total price = %v, want 6500", got.TotalPrice)
	}
	if got.PassengerCount != 2 || got.ParcelCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", got.PassengerCount, got.ParcelCount)
	}
	// 1749895200000 is 2025-06-14T10:00:00Z in unix millis.
	if got.ID != "Astana_1749895200000" {
		t.Errorf("bundle id = %q", got.ID)
	}
}

func TestGroup_Deterministic(t *testing.T) {
	orders := []domain.Order{
		order("Astana", at(10, 0)),
		order("Karaganda", at(10, 5)),
		order("Astana", at(10, 30)),
		order("Karaganda", at(10, 35)),
		order("Pavlodar", at(11, 0)),
	}

	eng := bundling.NewEngine(time.Hour)
	b1, s1 := eng.Group(orders)
	b2, s2 := eng.Group(orders)

	ids1 := make([][]uuid.UUID, len(b1))
	ids2 := make([][]uuid.UUID, len(b2))
	for i := range b1 {
		ids1[i] = memberIDs(b1[i])
	}
	for i := range b2 {
		ids2[i] = memberIDs(b2[i])
	}
	if !reflect.DeepEqual(ids1, ids2) {
		t.Errorf("bundle membership differs across runs")
	}
	if !reflect.DeepEqual(s1, s2) {
		t.Errorf("standalone list differs across runs")
	}
}

func TestGroup_TiesKeepInputOrder(t *testing.T) {
	a := order("Astana", at(10, 0))
	b := order("Astana", at(10, 0))
	bundles, _ := bundling.NewEngine(time.Hour).Group([]domain.Order{a, b})
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	if bundles[0].Orders[0].ID != a.ID || bundles[0].Orders[1].ID != b.ID {
		t.Errorf("equal-time members should keep insertion order")
	}
}
