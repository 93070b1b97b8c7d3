package distribution

import (
	"net/http"

	"github.com/bissquit/chat-relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrConversationNotFound, Status: http.StatusNotFound, Message: "conversation not found"},
}

// Handler handles HTTP requests for conversation assignment.
type Handler struct {
	assigner *Assigner
}

// NewHandler creates a new distribution handler.
func NewHandler(assigner *Assigner) *Handler {
	return &Handler{assigner: assigner}
}

// RegisterRoutes registers distribution routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations/{id}/assign", h.Assign)
}

// Assign handles POST /conversations/{id}/assign.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	res, err := h.assigner.Assign(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, res)
}
