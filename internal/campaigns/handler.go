package campaigns

import (
	"context"
	"net/http"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrCampaignNotFound, Status: http.StatusNotFound, Message: "campaign not found"},
	{Error: ErrInvalidCampaignStatus, Status: http.StatusConflict},
	{Error: ErrStatusChanged, Status: http.StatusConflict},
	{Error: ErrEmptyAudience, Status: http.StatusUnprocessableEntity},
}

// Handler handles HTTP requests for campaigns.
type Handler struct {
	service *Service
}

// NewHandler creates a new campaigns handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers campaign routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", h.GetCampaign)
		r.Post("/launch", h.Launch)
		r.Post("/pause", h.statusAction(h.service.Pause))
		r.Post("/resume", h.statusAction(h.service.Resume))
		r.Post("/cancel", h.statusAction(h.service.Cancel))
	})
}

// GetCampaign handles GET /campaigns/{id}.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, c)
}

// Launch handles POST /campaigns/{id}/launch.
func (h *Handler) Launch(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	result, err := h.service.Launch(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// statusAction adapts pause, resume and cancel to a handler.
func (h *Handler) statusAction(action func(context.Context, int64) (*domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httputil.PathID(r, "id")
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}

		c, err := action(r.Context(), id)
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}

		httputil.Success(w, http.StatusOK, c)
	}
}
