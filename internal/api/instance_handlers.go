package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/nexlevel/internal/challenge"
	"github.com/hyperengineering/nexlevel/internal/types"
)

// GetInstance handles GET /api/v1/user-challenges/{id}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	view, err := h.challenges.Instance(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JoinInstance handles POST /api/v1/user-challenges/{id}/join
func (h *Handler) JoinInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.challenges.JoinInstance(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// InviteToInstance handles POST /api/v1/user-challenges/{id}/invite
func (h *Handler) InviteToInstance(w http.ResponseWriter, r *http.Request) {
	var req types.InviteRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	invited, err := h.challenges.InviteToInstance(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()), req.UserIDs)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if invited == nil {
		invited = []string{}
	}
	writeJSON(w, http.StatusOK, types.InviteResponse{Invited: invited})
}

// RenameInstance handles POST /api/v1/user-challenges/{id}/rename
func (h *Handler) RenameInstance(w http.ResponseWriter, r *http.Request) {
	var req types.RenameRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	inst, err := h.challenges.RenameInstance(r.Context(), chi.URLParam(r, "id"), req.Name, MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// CheckIn handles POST /api/v1/user-challenges/{id}/check-ins. The
// Idempotency-Key header, when present, also pins the ledger entry id so a
// retry that races the first attempt cannot append twice.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req types.CheckInRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	resp, err := h.challenges.CheckIn(r.Context(), challenge.CheckInInput{
		InstanceID: chi.URLParam(r, "id"),
		TaskID:     req.TaskID,
		UserID:     MustUserID(r.Context()),
		Note:       req.Note,
		PhotoKey:   req.PhotoKey,
		RequestKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ExitInstance handles POST /api/v1/user-challenges/{id}/exit
func (h *Handler) ExitInstance(w http.ResponseWriter, r *http.Request) {
	var req types.ExitRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := h.challenges.Exit(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()), req.Reason); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Progress handles GET /api/v1/user-challenges/{id}/progress
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.challenges.Progress(r.Context(), chi.URLParam(r, "id"), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ProofUpload handles POST /api/v1/user-challenges/{id}/proof-uploads. Only
// joined participants of an active instance get an upload URL.
func (h *Handler) ProofUpload(w http.ResponseWriter, r *http.Request) {
	userID := MustUserID(r.Context())
	view, err := h.challenges.Instance(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if m, _ := view.Instance.Member(userID); m.Status != types.MemberJoined {
		MapError(w, r, challenge.ErrForbidden)
		return
	}
	if view.Instance.Status.Terminal() {
		MapError(w, r, challenge.ErrNotActive)
		return
	}
	up, err := h.proofs.PresignUpload(r.Context(), userID, view.Instance.ID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.ProofUploadResponse{Key: up.Key, URL: up.URL, ExpiresAt: up.ExpiresAt})
}
