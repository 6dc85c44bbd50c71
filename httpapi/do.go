package httpapi

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
)

func unlockCriteriaFromQuery(q url.Values) locks.UnlockCriteria {
	return locks.UnlockCriteria{
		ID:       q.Get("id"),
		Username: q.Get("username"),
		EventKey: q.Get("eventKey"),
		NodeID:   q.Get("nodeId"),
	}
}

// registerDoRoutes wires spec.md §6's /do family of out-of-band control
// operations. The example in spec.md §8 ("POST /do/lock?id=...") puts
// every parameter on the query string rather than in the path, so
// {query} in the route table is taken literally as "the request's query
// string", not a path segment.
func (s *Server) registerDoRoutes(router *mux.Router) {
	router.HandleFunc("/do/subscribe", s.handleDoSubscribe).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/do/unsubscribe", s.handleDoUnsubscribe).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/do/lock", s.handleDoLock).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/do/unlock", s.handleDoUnlock).Methods(http.MethodPost, http.MethodOptions)
}

func (s *Server) handleDoSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feather, _, err := s.catalog.ResolveRoute(q.Get("feather"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub := events.Subscription{NodeID: q.Get("nodeId"), SessionID: q.Get("sessionId"), SubscriptionID: q.Get("subscriptionId")}
	ids := q["id"]
	if err := s.events.Subscribe(r.Context(), s.db, sub, ids, feather.Name, true); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleDoUnsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := events.Scope(q.Get("scope"))
	if scope == "" {
		scope = events.ScopeSubscription
	}
	key := q.Get("subscriptionId")
	if key == "" {
		key = q.Get("sessionId")
	}
	if err := s.events.Unsubscribe(r.Context(), s.db, key, scope); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleDoLock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	auth := access.FromContext(r.Context())
	ok, err := s.locks.Acquire(r.Context(), s.db, q.Get("id"), userID(auth), q.Get("nodeId"), q.Get("eventKey"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		lock, _ := s.locks.Check(r.Context(), s.db, q.Get("id"))
		owner := ""
		if lock != nil {
			owner = lock.Username
		}
		writeError(w, r, apperror.Conflict("Record is locked by %s", owner))
		return
	}
	writeNoContent(w)
}

func (s *Server) handleDoUnlock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.locks.Unlock(r.Context(), s.db, unlockCriteriaFromQuery(q)); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}
