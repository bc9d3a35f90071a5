package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/feed"
)

type orderDTO struct {
	ID          uuid.UUID           `json:"id"`
	UserID      uuid.UUID           `json:"user_id"`
	Type        domain.OrderType    `json:"type"`
	FromCity    string              `json:"from_city"`
	ToCity      string              `json:"to_city"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	Status      domain.OrderStatus  `json:"status"`
	ClaimedBy   *uuid.UUID          `json:"claimed_by,omitempty"`
	Price       *float64            `json:"price,omitempty"`
	Details     domain.OrderDetails `json:"details"`
	UserName    string              `json:"user_name,omitempty"`
	UserPhone   string              `json:"user_phone,omitempty"`
}

type bundleDTO struct {
	ID             string     `json:"id"`
	ToCity         string     `json:"to_city"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Orders         []orderDTO `json:"orders"`
	TotalPrice     float64    `json:"total_price"`
	PassengerCount int        `json:"passenger_count"`
	ParcelCount    int        `json:"parcel_count"`
}

type viewDTO struct {
	Bundles          []bundleDTO `json:"bundles"`
	StandaloneOrders []orderDTO  `json:"standalone_orders"`
	RefreshedAt      time.Time   `json:"refreshed_at"`
}

type overviewDTO struct {
	viewDTO
	AllOrders []orderDTO     `json:"all_orders"`
	Counts    map[string]int `json:"counts"`
}

func orderResponse(o domain.Order) orderDTO {
	dto := orderDTO{
		ID:          o.ID,
		UserID:      o.UserID,
		Type:        o.Type,
		FromCity:    o.FromCity,
		ToCity:      o.ToCity,
		ScheduledAt: o.ScheduledAt,
		Status:      o.Status,
		ClaimedBy:   o.ClaimedBy,
		Price:       o.Price,
		Details:     o.Details,
	}
	if o.User != nil {
		dto.UserName = o.User.FullName
		dto.UserPhone = o.User.Phone
	}
	return dto
}

func bundleResponse(b domain.Bundle) bundleDTO {
	orders := make([]orderDTO, len(b.Orders))
	for i, o := range b.Orders {
		orders[i] = orderResponse(o)
	}
	return bundleDTO{
		ID:             b.ID,
		ToCity:         b.ToCity,
		ScheduledAt:    b.ScheduledAt,
		Orders:         orders,
		TotalPrice:     b.TotalPrice,
		PassengerCount: b.PassengerCount,
		ParcelCount:    b.ParcelCount,
	}
}

func viewResponse(v feed.View) viewDTO {
	bundles := make([]bundleDTO, len(v.Bundles))
	for i, b := range v.Bundles {
		bundles[i] = bundleResponse(b)
	}
	standalone := make([]orderDTO, len(v.StandaloneOrders))
	for i, o := range v.StandaloneOrders {
		standalone[i] = orderResponse(o)
	}
	return viewDTO{
		Bundles:          bundles,
		StandaloneOrders: standalone,
		RefreshedAt:      v.RefreshedAt,
	}
}

func overviewResponse(o feed.Overview) overviewDTO {
	all := make([]orderDTO, len(o.AllOrders))
	for i, ord := range o.AllOrders {
		all[i] = orderResponse(ord)
	}
	counts := make(map[string]int, len(o.Counts))
	for status, n := range o.Counts {
		counts[string(status)] = n
	}
	return overviewDTO{
		viewDTO:   viewResponse(o.View),
		AllOrders: all,
		Counts:    counts,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrSerializationFailure):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
