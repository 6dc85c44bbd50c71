package httpapi

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
)

// registerSSERoutes wires /sse (bootstrap: mint a sessionId) and
// /sse/{sessionId} (the actual event stream), per spec.md §6/§5.
func (s *Server) registerSSERoutes(router *mux.Router) {
	router.HandleFunc("/sse", s.handleSSEBootstrap).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/sse/{sessionId}", s.handleSSEStream).Methods(http.MethodGet, http.MethodOptions)
}

func (s *Server) handleSSEBootstrap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": uuid.NewString()})
}

// handleSSEStream registers sessionId with the node named by the
// "nodeId" query parameter and streams every Message its dispatcher
// writes until the client disconnects. On disconnect it unsubscribes the
// session and releases any locks it holds, per spec.md §5's
// cancellation rule.
func (s *Server) handleSSEStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sessionID := mux.Vars(r)["sessionId"]
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		nodeID = "default"
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := s.events.RegisterSession(r.Context(), nodeID, sessionID, 64)
	defer func() {
		s.events.DisconnectSession(nodeID, sessionID)
		_ = s.events.Unsubscribe(r.Context(), s.db, sessionID, events.ScopeSession)
		_ = s.locks.Unlock(r.Context(), s.db, locks.UnlockCriteria{NodeID: nodeID})
	}()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sink:
			if !open {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
