package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/nexlevel/internal/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames on the stream.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Notifications handles GET /api/v1/notifications?unread_only=&limit=
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly, ok := queryBool(w, r, "unread_only")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.inbox.List(r.Context(), MustUserID(r.Context()), unreadOnly, limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.inbox.UnreadCount(r.Context(), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.UnreadCountResponse{UnreadCount: count})
}

// MarkNotificationRead handles POST /api/v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.MarkRead(r.Context(), MustUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// MarkAllNotificationsRead handles POST /api/v1/notifications/read-all
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	marked, err := h.inbox.MarkAllRead(r.Context(), MustUserID(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.MarkAllReadResponse{Marked: marked})
}

// NotificationStream handles GET /api/v1/notifications/stream. It upgrades
// to a websocket and pushes every notification created for the caller
// while the connection is open.
func (h *Handler) NotificationStream(w http.ResponseWriter, r *http.Request) {
	userID := MustUserID(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed", "action", "stream", "error", err)
		return
	}
	sub := h.hub.Subscribe(userID)
	h.logger.Info("stream opened", "action", "stream", "user_id", userID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()
	writePump(conn, sub.C, done)

	sub.Close()
	conn.Close()
	h.logger.Info("stream closed", "action", "stream", "user_id", userID)
}

// readPump discards client frames and keeps the read deadline alive on
// pongs. It returns when the connection fails or closes.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards notifications and pings until the subscription or the
// reader ends.
func writePump(conn *websocket.Conn, notifications <-chan types.Notification, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case n, ok := <-notifications:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if err := json.NewEncoder(w).Encode(n); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
