package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
)

// registerFeatherRoutes wires /feather/{name} (read/save/drop a feather
// definition) and /module(s) (list every registered feather) — spec.md
// §6 and §4.2.
func (s *Server) registerFeatherRoutes(router *mux.Router) {
	router.HandleFunc("/feather/{name}", s.handleFeatherGet).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/feather/{name}", s.handleFeatherPut).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/feather/{name}", s.handleFeatherDelete).Methods(http.MethodDelete, http.MethodOptions)
	router.HandleFunc("/module", s.handleModuleList).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/modules", s.handleModuleList).Methods(http.MethodGet, http.MethodOptions)
}

func (s *Server) requireSuperUser(w http.ResponseWriter, r *http.Request) bool {
	auth := access.FromContext(r.Context())
	if auth == nil || !auth.IsSuperUser {
		writeError(w, r, apperror.Unauthorized("only a super user may manage feather definitions"))
		return false
	}
	return true
}

func (s *Server) handleFeatherGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	f, err := s.catalog.GetFeather(name, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFeatherPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireSuperUser(w, r) {
		return
	}
	var spec catalog.Feather
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, r, err)
		return
	}
	if spec.Name == "" {
		spec.Name = mux.Vars(r)["name"]
	}
	if err := s.catalog.SaveFeather(r.Context(), &spec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &spec)
}

func (s *Server) handleFeatherDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireSuperUser(w, r) {
		return
	}
	if err := s.catalog.DeleteFeather(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleModuleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.ListFeathers())
}
