package api

import (
	"net/http"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// Signup handles POST /api/v1/auth/signup
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req types.SignupRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	resp, err := h.auth.Signup(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	resp, err := h.auth.Login(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Me handles GET /api/v1/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.auth.Me(r.Context(), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// SearchUsers handles GET /api/v1/users?query=
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	users, err := h.auth.SearchUsers(r.Context(), r.URL.Query().Get("query"), limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if users == nil {
		users = []types.User{}
	}
	writeJSON(w, http.StatusOK, types.UserList{Users: users})
}

// RegisterDevice handles POST /api/v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterDeviceRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.auth.RegisterDevice(r.Context(), MustUserID(r.Context()), req); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
