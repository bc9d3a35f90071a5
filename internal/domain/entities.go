package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderType string

const (
	OrderTypePassenger OrderType = "passenger"
	OrderTypeParcel    OrderType = "parcel"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusMatched   OrderStatus = "matched"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
)

// OrderDetails carries the type-specific part of an order.
// SeatCount is set for passenger orders, ParcelSize/ParcelWeight for parcels.
type OrderDetails struct {
	SeatCount    int     `json:"seat_count,omitempty"`
	ParcelSize   string  `json:"parcel_size,omitempty"`
	ParcelWeight float64 `json:"parcel_weight,omitempty"`
	Description  string  `json:"description,omitempty"`
}

type Order struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Type        OrderType
	FromCity    string
	ToCity      string
	ScheduledAt time.Time
	Status      OrderStatus
	ClaimedBy   *uuid.UUID
	Price       *float64
	Details     OrderDetails
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Requester profile, hydrated by the feed when available.
	User *Profile
}

type Profile struct {
	ID         uuid.UUID
	TelegramID string
	Role       Role
	Phone      string
	FullName   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Bundle is a derived aggregate of >=2 pending orders sharing a destination
// and one clustering window. It is never persisted; membership is recomputed
// from every snapshot, so its ID is only stable while membership is.
type Bundle struct {
	ID             string
	ToCity         string
	ScheduledAt    time.Time
	Orders         []Order
	TotalPrice     float64
	PassengerCount int
	ParcelCount    int
}
