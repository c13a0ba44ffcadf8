package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// CreateChallenge handles POST /api/v1/challenges
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var in types.ChallengeInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	def, err := h.challenges.CreateChallenge(r.Context(), MustUserID(r.Context()), in)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// PopularChallenges handles GET /api/v1/challenges/popular?limit=
func (h *Handler) PopularChallenges(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	defs, err := h.challenges.PopularChallenges(r.Context(), limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ChallengeList{Challenges: defs})
}

// GetChallenge handles GET /api/v1/challenges/{id}
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	def, err := h.challenges.Challenge(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// RenameChallenge handles POST /api/v1/challenges/{id}/rename
func (h *Handler) RenameChallenge(w http.ResponseWriter, r *http.Request) {
	var req types.RenameRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	def, err := h.challenges.RenameChallenge(r.Context(), chi.URLParam(r, "id"), req.Name, MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// UpdateChallenge handles PUT /api/v1/challenges/{id}
func (h *Handler) UpdateChallenge(w http.ResponseWriter, r *http.Request) {
	var in types.ChallengeInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	def, err := h.challenges.UpdateChallenge(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()), in)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ArchiveChallenge handles DELETE /api/v1/challenges/{id}
func (h *Handler) ArchiveChallenge(w http.ResponseWriter, r *http.Request) {
	if err := h.challenges.ArchiveChallenge(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context())); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JoinChallenge handles POST /api/v1/challenges/{id}/join
func (h *Handler) JoinChallenge(w http.ResponseWriter, r *http.Request) {
	var req types.JoinChallengeRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	inst, err := h.challenges.Join(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// MyActiveChallenges handles GET /api/v1/me/challenges
func (h *Handler) MyActiveChallenges(w http.ResponseWriter, r *http.Request) {
	views, err := h.challenges.MyActiveChallenges(r.Context(), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.InstanceList{Instances: views})
}
