package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adilkhanov/ride-match/internal/adapters/crdb"
	mongoadapter "github.com/adilkhanov/ride-match/internal/adapters/mongo"
	"github.com/adilkhanov/ride-match/internal/claims"
	"github.com/adilkhanov/ride-match/internal/config"
	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/feed"
	"github.com/adilkhanov/ride-match/internal/idempotency"
)

type Handlers struct {
	cfg      *config.Config
	repo     *crdb.Repository
	profiles *mongoadapter.ProfileRepository
	arbiter  *claims.Arbiter
	feed     *feed.Controller
	idemp    *idempotency.Idempotency
}

func NewHandlers(cfg *config.Config, repo *crdb.Repository, profiles *mongoadapter.ProfileRepository, arbiter *claims.Arbiter, feedCtrl *feed.Controller, idemp *idempotency.Idempotency) *Handlers {
	return &Handlers{
		cfg:      cfg,
		repo:     repo,
		profiles: profiles,
		arbiter:  arbiter,
		feed:     feedCtrl,
		idemp:    idemp,
	}
}

// GetFeed serves the bundled view. Drivers and passengers see the pending
// projection; admins additionally get all-status orders and counts.
func (h *Handlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	profile := profileFrom(r.Context())
	if profile == nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := domain.OrderFilter{
		FromCity: q.Get("from_city"),
		ToCity:   q.Get("to_city"),
		Type:     domain.OrderType(q.Get("type")),
	}

	if profile.Role == domain.RoleAdmin {
		overview, err := h.feed.AdminOverview(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, overviewResponse(overview))
		return
	}

	view, err := h.feed.Feed(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse(view))
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	profile := profileFrom(r.Context())
	if profile == nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if replayed := h.replay(w, r, key); replayed {
		return
	}

	var req struct {
		Type         domain.OrderType `json:"type"`
		FromCity     string           `json:"from_city"`
		ToCity       string           `json:"to_city"`
		ScheduledAt  time.Time        `json:"scheduled_at"`
		SeatCount    int              `json:"seat_count"`
		ParcelSize   string           `json:"parcel_size"`
		ParcelWeight float64          `json:"parcel_weight"`
		Description  string           `json:"description"`
		Price        *float64         `json:"price"`
		Phone        string           `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInput, err.Error()))
		return
	}

	order, err := domain.NewOrder(profile.ID, req.Type, req.FromCity, req.ToCity, req.ScheduledAt, domain.OrderDetails{
		SeatCount:    req.SeatCount,
		ParcelSize:   req.ParcelSize,
		ParcelWeight: req.ParcelWeight,
		Description:  req.Description,
	}, req.Price)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.CreateOrder(r.Context(), order); err != nil {
		writeError(w, err)
		return
	}
	if req.Phone != "" && req.Phone != profile.Phone {
		// Best effort; the order is already durable.
		_ = h.profiles.UpsertPhone(r.Context(), profile.ID, req.Phone)
	}
	h.feed.Invalidate()

	data := h.respond(w, http.StatusCreated, map[string]interface{}{
		"order_id": order.ID,
		"status":   order.Status,
	})
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInput, "invalid order id"))
		return
	}

	order, err := h.repo.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(*order))
}

// ClaimOrder races the caller against every other driver for one order.
func (h *Handlers) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	profile := profileFrom(r.Context())
	if profile == nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInput, "invalid order id"))
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if replayed := h.replay(w, r, key); replayed {
		return
	}

	claimErr := h.arbiter.ClaimOrder(r.Context(), profile.ID, id)
	// Won or lost, the view must reflect the store again.
	h.feed.Invalidate()
	if claimErr != nil {
		writeError(w, claimErr)
		return
	}

	data := h.respond(w, http.StatusOK, map[string]interface{}{
		"order_id": id,
		"status":   domain.StatusMatched,
	})
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusOK, Result: data})
}

// ClaimBundle claims every listed order atomically or none at all.
func (h *Handlers) ClaimBundle(w http.ResponseWriter, r *http.Request) {
	profile := profileFrom(r.Context())
	if profile == nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if replayed := h.replay(w, r, key); replayed {
		return
	}

	var req struct {
		OrderIDs []uuid.UUID `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInput, err.Error()))
		return
	}

	claimErr := h.arbiter.ClaimBundle(r.Context(), profile.ID, req.OrderIDs)
	h.feed.Invalidate()
	if claimErr != nil {
		var bundleErr *domain.BundleConflictError
		if errors.As(claimErr, &bundleErr) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":           "some orders are no longer available",
				"unavailable_ids": bundleErr.Unavailable,
			})
			return
		}
		writeError(w, claimErr)
		return
	}

	data := h.respond(w, http.StatusOK, map[string]interface{}{
		"order_ids": req.OrderIDs,
		"status":    domain.StatusMatched,
	})
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusOK, Result: data})
}

// CancelOrder lets the requester (or an admin) withdraw a still-pending
// order. A matched order cannot be cancelled here.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	profile := profileFrom(r.Context())
	if profile == nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInput, "invalid order id"))
		return
	}

	order, err := h.repo.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if profile.Role != domain.RoleAdmin && order.UserID != profile.ID {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	if err := h.repo.ConditionalUpdateStatus(r.Context(), id, domain.StatusPending, domain.StatusCancelled, nil); err != nil {
		writeError(w, err)
		return
	}
	h.feed.Invalidate()
	writeJSON(w, http.StatusOK, map[string]interface{}{"order_id": id, "status": domain.StatusCancelled})
}

// CompleteOrder lets the claimant driver close out a matched order.
func (h *Handlers) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	profile := profileFrom(r.Context())
	if profile == nil {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	if profile.Role != domain.RoleDriver {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInput, "invalid order id"))
		return
	}

	driverID := profile.ID
	if err := h.repo.ConditionalUpdateStatus(r.Context(), id, domain.StatusMatched, domain.StatusCompleted, &driverID); err != nil {
		writeError(w, err)
		return
	}
	h.feed.Invalidate()
	writeJSON(w, http.StatusOK, map[string]interface{}{"order_id": id, "status": domain.StatusCompleted})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// replay short-circuits a request whose idempotency key already has a stored
// response.
func (h *Handlers) replay(w http.ResponseWriter, r *http.Request, key string) bool {
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return true
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return true
	}
	return false
}

func (h *Handlers) respond(w http.ResponseWriter, status int, body interface{}) []byte {
	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	return data
}
