package sessions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrChannelNotFound, Status: http.StatusNotFound, Message: "channel not found"},
	{Error: ErrNoPairingChallenge, Status: http.StatusNotFound, Message: "no active pairing challenge"},
	{Error: ErrInvalidKind, Status: http.StatusBadRequest},
	{Error: ErrCredentialsRequired, Status: http.StatusUnprocessableEntity},
	{Error: ErrTransportUnavailable, Status: http.StatusUnprocessableEntity},
}

// Handler handles HTTP requests for channel sessions.
type Handler struct {
	registry  *Registry
	validator *validator.Validate
}

// NewHandler creates a new sessions handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry:  registry,
		validator: validator.New(),
	}
}

// RegisterRoutes registers session routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/channels/{id}/session", func(r chi.Router) {
		r.Get("/", h.GetStatus)
		r.Post("/", h.Initialize)
		r.Delete("/", h.Disconnect)
		r.Get("/pairing", h.GetPairingChallenge)
	})
}

// InitializeRequest represents request body for starting a session.
type InitializeRequest struct {
	Kind        string `json:"kind" validate:"omitempty,oneof=api device_linked"`
	Token       string `json:"token" validate:"omitempty,max=4096"`
	ProviderRef string `json:"provider_ref" validate:"omitempty,max=255"`
}

// GetStatus handles GET /channels/{id}/session.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	channelID, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	status, err := h.registry.Status(r.Context(), channelID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, status)
}

// Initialize handles POST /channels/{id}/session.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	channelID, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	var req InitializeRequest
	// Body is optional: an empty body starts a device-linked session.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	status, err := h.registry.Initialize(r.Context(), channelID, InitializeInput{
		Kind:        domain.SessionKind(req.Kind),
		Token:       req.Token,
		ProviderRef: req.ProviderRef,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Accepted(w, status)
}

// Disconnect handles DELETE /channels/{id}/session.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	channelID, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	status, err := h.registry.Disconnect(r.Context(), channelID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, status)
}

// GetPairingChallenge handles GET /channels/{id}/session/pairing.
func (h *Handler) GetPairingChallenge(w http.ResponseWriter, r *http.Request) {
	channelID, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	challenge, err := h.registry.PairingChallenge(r.Context(), channelID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, challenge)
}
