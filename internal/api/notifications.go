package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/hazardwatch/internal/authmw"
	"github.com/linnemanlabs/hazardwatch/internal/authz"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
)

type notificationList struct {
	Notifications []notification.Notification `json:"notifications"`
	Unread        int                         `json:"unread"`
	Total         int                         `json:"total"`
}

type changeResponse struct {
	Changed int `json:"changed"`
}

// visible returns the feed filter for the request's caller. Entries from
// topics the caller's role may not subscribe to are never listed or counted.
func (a *API) visible(r *http.Request) func(notification.Notification) bool {
	role := a.defaultRole
	if c, ok := authmw.CallerFromContext(r.Context()); ok {
		role = c.Role
	}
	return authz.NotificationFilter(a.access, role)
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, unread, total := a.notifications.Visible(a.visible(r), limit)
	writeJSON(w, http.StatusOK, notificationList{Notifications: items, Unread: unread, Total: total})
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	unread, _ := a.notifications.Count(a.visible(r))
	writeJSON(w, http.StatusOK, map[string]int{"unread": unread})
}

// Mutations are idempotent: repeating one reports zero changes, never an
// error. An entry the caller cannot see counts as absent.

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if n, ok := a.notifications.Get(id); !ok || !a.visible(r)(n) {
		writeJSON(w, http.StatusOK, changeResponse{})
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Changed: count(a.notifications.MarkRead(id))})
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, changeResponse{Changed: a.notifications.MarkAllRead()})
}

func (a *API) handleRemoveNotification(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, changeResponse{Changed: count(a.notifications.Remove(chi.URLParam(r, "id")))})
}

func (a *API) handleClearNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, changeResponse{Changed: a.notifications.ClearAll()})
}

func count(b bool) int {
	if b {
		return 1
	}
	return 0
}
