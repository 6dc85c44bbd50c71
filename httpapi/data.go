package httpapi

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/crud"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/pipeline"
)

// filterBody is the wire shape of the filter object spec.md §6 defines,
// shared by the plural query route and by subscribe/unsubscribe in the
// /do family.
type filterBody struct {
	Criteria []struct {
		Property json.RawMessage `json:"property"`
		Operator string          `json:"operator"`
		Value    any             `json:"value"`
	} `json:"criteria"`
	Sort []struct {
		Property string `json:"property"`
		Order    string `json:"order"`
	} `json:"sort"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
	HasLimit     bool   `json:"-"`
	Subscription *struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
		NodeID    string `json:"nodeId"`
	} `json:"subscription"`
	ShowDeleted bool `json:"showDeleted"`
}

func (b *filterBody) UnmarshalJSON(data []byte) error {
	type raw filterBody
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*b = filterBody(r)
	var probe struct {
		Limit *int `json:"limit"`
	}
	_ = json.Unmarshal(data, &probe)
	b.HasLimit = probe.Limit != nil
	return nil
}

func (b filterBody) toFilter() crud.Filter {
	f := crud.Filter{Offset: b.Offset, Limit: b.Limit, HasLimit: b.HasLimit}
	for _, c := range b.Criteria {
		var props []string
		var single string
		if err := json.Unmarshal(c.Property, &single); err == nil {
			props = []string{single}
		} else {
			_ = json.Unmarshal(c.Property, &props)
		}
		f.Criteria = append(f.Criteria, crud.FilterCriterion{Property: props, Operator: c.Operator, Value: c.Value})
	}
	for _, s := range b.Sort {
		f.Sort = append(f.Sort, crud.FilterSort{Property: s.Property, Order: s.Order})
	}
	return f
}

// registerDataRoutes wires spec.md §6's /data prefix: a POST on the
// plural route runs a filtered query, a POST on the singular route
// inserts (or upserts, if the body carries an id the pipeline finds
// already persisted), and GET/PATCH/DELETE on /{feather}/{id} read,
// patch and soft-delete one record.
func (s *Server) registerDataRoutes(router *mux.Router) {
	router.HandleFunc("/data/{resource}", s.handleDataCollection).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/data/{resource}/{id}", s.handleDataItemGet).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/data/{resource}/{id}", s.handleDataItemPatch).Methods(http.MethodPatch, http.MethodOptions)
	router.HandleFunc("/data/{resource}/{id}", s.handleDataItemDelete).Methods(http.MethodDelete, http.MethodOptions)
}

func (s *Server) handleDataCollection(w http.ResponseWriter, r *http.Request) {
	resource := mux.Vars(r)["resource"]
	feather, isPlural, err := s.catalog.ResolveRoute(resource)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auth := access.FromContext(r.Context())

	if isPlural {
		s.query(w, r, feather.Name, auth)
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.pipeline.Request(r.Context(), pipeline.Payload{
		Feather: feather.Name, Method: core.MethodPost, Data: data,
		Auth: auth, IsSuperUser: auth != nil && auth.IsSuperUser, CurrentUser: userID(auth),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, json.RawMessage(result.Diff))
}

func (s *Server) query(w http.ResponseWriter, r *http.Request, feather string, auth *access.Authorization) {
	var body filterBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	filter := body.toFilter()
	var sub *events.Subscription
	var subscribeIDs []string
	if body.Subscription != nil {
		sub = &events.Subscription{NodeID: body.Subscription.NodeID, SessionID: body.Subscription.SessionID, SubscriptionID: body.Subscription.ID}
	}

	result, err := s.pipeline.Request(r.Context(), pipeline.Payload{
		Feather: feather, Method: core.MethodGet, Filter: filter, ShowDeleted: body.ShowDeleted,
		Subscription: sub, SubscribeIDs: subscribeIDs,
		Auth: auth, IsSuperUser: auth != nil && auth.IsSuperUser, CurrentUser: userID(auth),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Object["items"])
}

func (s *Server) handleDataItemGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feather, _, err := s.catalog.ResolveRoute(vars["resource"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	auth := access.FromContext(r.Context())
	result, err := s.pipeline.Request(r.Context(), pipeline.Payload{
		Feather: feather.Name, Method: core.MethodGet, ID: vars["id"],
		Auth: auth, IsSuperUser: auth != nil && auth.IsSuperUser, CurrentUser: userID(auth),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if etag, _ := result.Object["etag"].(string); ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, result.Object)
}

func (s *Server) handleDataItemPatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feather, _, err := s.catalog.ResolveRoute(vars["resource"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auth := access.FromContext(r.Context())
	result, err := s.pipeline.Request(r.Context(), pipeline.Payload{
		Feather: feather.Name, Method: core.MethodPatch, ID: vars["id"], Patch: patch,
		EventKey:    r.URL.Query().Get("eventKey"),
		Auth:        auth, IsSuperUser: auth != nil && auth.IsSuperUser, CurrentUser: userID(auth),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(result.Diff))
}

func (s *Server) handleDataItemDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feather, _, err := s.catalog.ResolveRoute(vars["resource"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	auth := access.FromContext(r.Context())
	_, err = s.pipeline.Request(r.Context(), pipeline.Payload{
		Feather: feather.Name, Method: core.MethodDelete, ID: vars["id"],
		IsHard:      r.URL.Query().Get("hard") == "true",
		EventKey:    r.URL.Query().Get("eventKey"),
		Auth:        auth, IsSuperUser: auth != nil && auth.IsSuperUser, CurrentUser: userID(auth),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func userID(auth *access.Authorization) string {
	if auth == nil {
		return ""
	}
	return auth.UserID
}
