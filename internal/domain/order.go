package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// OrderFilter narrows a feed snapshot. Empty fields match everything.
type OrderFilter struct {
	FromCity string
	ToCity   string
	Type     OrderType
}

func (f OrderFilter) Validate() error {
	if f.Type != "" && f.Type != OrderTypePassenger && f.Type != OrderTypeParcel {
		return errors.Wrapf(ErrInvalidInput, "unknown order type %q", f.Type)
	}
	return nil
}

func NewOrder(userID uuid.UUID, typ OrderType, fromCity, toCity string, scheduledAt time.Time, details OrderDetails, price *float64) (Order, error) {
	if typ != OrderTypePassenger && typ != OrderTypeParcel {
		return Order{}, errors.Wrapf(ErrInvalidInput, "unknown order type %q", typ)
	}
	if fromCity == "" || toCity == "" {
		return Order{}, errors.Wrap(ErrInvalidInput, "origin and destination cities are required")
	}
	if scheduledAt.IsZero() {
		return Order{}, errors.Wrap(ErrInvalidInput, "scheduled time is required")
	}
	if typ == OrderTypePassenger && details.SeatCount < 1 {
		return Order{}, errors.Wrap(ErrInvalidInput, "passenger order needs at least one seat")
	}
	if typ == OrderTypeParcel && details.ParcelWeight <= 0 {
		return Order{}, errors.Wrap(ErrInvalidInput, "parcel order needs a positive weight")
	}

	now := time.Now().UTC()
	return Order{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        typ,
		FromCity:    fromCity,
		ToCity:      toCity,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		Details:     details,
		Price:       price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// PriceOrZero is the member contribution to a bundle total: an unset price
// counts as zero rather than excluding the order.
func (o Order) PriceOrZero() float64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}
