package api

import (
	"errors"
	"net/http"

	"github.com/hyperengineering/nexlevel/internal/coach"
	"github.com/hyperengineering/nexlevel/internal/types"
)

// GenerateCoachMessage handles POST /api/v1/coach/messages
func (h *Handler) GenerateCoachMessage(w http.ResponseWriter, r *http.Request) {
	if h.coach == nil {
		MapError(w, r, coach.ErrUnavailable)
		return
	}
	var req types.CoachRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	msg, err := h.coach.Generate(r.Context(), MustUserID(r.Context()), req)
	if err != nil {
		if errors.Is(err, coach.ErrRateLimited) {
			w.Header().Set("Retry-After", "10")
		}
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// CoachMessages handles GET /api/v1/coach/messages?limit=
func (h *Handler) CoachMessages(w http.ResponseWriter, r *http.Request) {
	if h.coach == nil {
		writeJSON(w, http.StatusOK, types.CoachMessageList{Messages: []types.CoachMessage{}})
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	msgs, err := h.coach.Messages(r.Context(), MustUserID(r.Context()), limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []types.CoachMessage{}
	}
	writeJSON(w, http.StatusOK, types.CoachMessageList{Messages: msgs})
}
