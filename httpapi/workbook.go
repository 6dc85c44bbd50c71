package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/apperror"
)

// workbook is the metadata record behind spec.md §6's /workbook(s)
// family: a named, owner-scoped blob of UI layout state (pages, widgets,
// dialog state charts) the front end persists and reloads verbatim.
type workbook struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Pages any    `json:"pages"`
}

const workbookIndexKey = "workbook-index"

// registerWorkbookRoutes wires /workbook and /workbooks, both backed by
// the same registry.Accessor-held index of names plus one entry per
// workbook.
func (s *Server) registerWorkbookRoutes(router *mux.Router) {
	acc := s.registry.Accessor("workbook")
	s.workbooks = &acc
	router.HandleFunc("/workbooks", s.handleWorkbookList).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/workbook", s.handleWorkbookList).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/workbook/{name}", s.handleWorkbookGet).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/workbook/{name}", s.handleWorkbookPut).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/workbook/{name}", s.handleWorkbookDelete).Methods(http.MethodDelete, http.MethodOptions)
}

func (s *Server) workbookIndex() ([]string, error) {
	var names []string
	if _, err := s.workbooks.Read(workbookIndexKey, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Server) handleWorkbookList(w http.ResponseWriter, r *http.Request) {
	names, err := s.workbookIndex()
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]workbook, 0, len(names))
	for _, name := range names {
		var wb workbook
		if _, err := s.workbooks.Read(name, &wb); err == nil {
			out = append(out, wb)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWorkbookGet(w http.ResponseWriter, r *http.Request) {
	var wb workbook
	if _, err := s.workbooks.Read(mux.Vars(r)["name"], &wb); err != nil {
		writeError(w, r, err)
		return
	}
	if wb.Name == "" {
		writeError(w, r, apperror.NotFound("workbook %q not found", mux.Vars(r)["name"]))
		return
	}
	writeJSON(w, http.StatusOK, wb)
}

func (s *Server) handleWorkbookPut(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var wb workbook
	if err := json.NewDecoder(r.Body).Decode(&wb); err != nil {
		writeError(w, r, err)
		return
	}
	wb.Name = name
	if err := s.workbooks.Write(name, wb); err != nil {
		writeError(w, r, err)
		return
	}
	names, err := s.workbookIndex()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !contains(names, name) {
		names = append(names, name)
		if err := s.workbooks.Write(workbookIndexKey, names); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, wb)
}

func (s *Server) handleWorkbookDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.workbooks.Delete(name); err != nil {
		writeError(w, r, err)
		return
	}
	names, err := s.workbookIndex()
	if err != nil {
		writeError(w, r, err)
		return
	}
	filtered := names[:0]
	for _, n := range names {
		if n != name {
			filtered = append(filtered, n)
		}
	}
	if err := s.workbooks.Write(workbookIndexKey, filtered); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
