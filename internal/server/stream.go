package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"huntboard/internal/engine"
	"huntboard/internal/pubsub"
)

// registerStream exposes an event's change stream over server-sent events.
// Admins receive every message; everyone else must name a team and only
// sees that team's messages plus event-wide ones. The filter runs per
// delivery, so a role change applies from the next message on.
func registerStream(router chi.Router, basePath string, e engine.Engine) {
	router.Get(path.Join(basePath, "/events/{event_id}/stream"), func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "event_id")
		if _, err := e.Repo.GetEvent(r.Context(), eventID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		principal, ok := principalFromContext(r.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		// team_id is taken at face value: the roster lives with the chat
		// platform in front of this API, which is expected to hand out
		// tokens only to members of the team it names.
		teamID := r.URL.Query().Get("team_id")
		if !principal.IsAdmin() && teamID == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "team_id is required for non-admin streams", nil))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		filter := func(msg pubsub.Message) bool {
			if principal.IsAdmin() {
				return true
			}
			return msg.TeamID == "" || msg.TeamID == teamID
		}
		sub := e.Bus.Subscribe(engine.Topic(eventID), filter)
		defer sub.Cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-sub.C():
				if !open {
					// dropped as a slow subscriber or bus shut down
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
				flusher.Flush()
			}
		}
	})
}
