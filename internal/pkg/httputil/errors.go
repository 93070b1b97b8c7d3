package httputil

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5"
)

// ErrInvalidID is returned when a path id is not a positive integer.
var ErrInvalidID = errors.New("invalid id")

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

var commonMappings = []ErrorMapping{
	{Error: ErrInvalidID, Status: http.StatusBadRequest},
	{Error: domain.ErrInvalidTransition, Status: http.StatusConflict},
}

// HandleError maps a domain error to an HTTP response using provided mappings,
// then the mappings shared by every handler.
// If no mapping matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, list := range [][]ErrorMapping{mappings, commonMappings} {
		for _, m := range list {
			if errors.Is(err, m.Error) {
				msg := m.Message
				if msg == "" {
					msg = err.Error()
				}
				Error(w, m.Status, msg)
				return
			}
		}
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

// PathID parses a positive int64 chi URL parameter.
func PathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}
