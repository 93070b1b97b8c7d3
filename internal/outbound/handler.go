package outbound

import (
	"encoding/json"
	"net/http"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrConversationNotFound, Status: http.StatusNotFound, Message: "conversation not found"},
	{Error: ErrMessageNotFound, Status: http.StatusNotFound, Message: "message not found in conversation"},
	{Error: ErrInvalidMessage, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the send queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/queue", h.Enqueue)
	r.Get("/queue/stats", h.Stats)
	r.Post("/conversations/{id}/messages", h.SendMessage)
}

// EnqueueRequest represents request body for queueing an existing message.
type EnqueueRequest struct {
	ConversationID int64  `json:"conversation_id" validate:"required,gt=0"`
	MessageID      *int64 `json:"message_id" validate:"required,gt=0"`
	Priority       string `json:"priority" validate:"omitempty,oneof=normal high"`
}

// SendMessageRequest represents request body for sending a new message.
type SendMessageRequest struct {
	Type              string  `json:"type" validate:"required,oneof=text image video audio document"`
	Content           string  `json:"content" validate:"max=4096"`
	MediaURL          string  `json:"media_url" validate:"omitempty,url"`
	ExternalMessageID *string `json:"external_message_id" validate:"omitempty,min=1,max=255"`
	Priority          string  `json:"priority" validate:"omitempty,oneof=normal high"`
}

// Enqueue handles POST /queue.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	priority, _ := domain.ParsePriority(req.Priority)
	sendReq, err := h.service.Enqueue(r.Context(), EnqueueInput{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Priority:       priority,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Accepted(w, sendReq)
}

// SendMessage handles POST /conversations/{id}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	priority, _ := domain.ParsePriority(req.Priority)
	result, err := h.service.SendMessage(r.Context(), SendMessageInput{
		ConversationID:    conversationID,
		Type:              domain.MessageType(req.Type),
		Content:           req.Content,
		MediaURL:          req.MediaURL,
		ExternalMessageID: req.ExternalMessageID,
		Priority:          priority,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	httputil.Success(w, status, result)
}

// Stats handles GET /queue/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}
