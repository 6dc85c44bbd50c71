package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/featherbone/server/internal/apperror"
)

// settingsDefinitionKey is the registry key the schema of every named
// settings blob is stored under (spec.md §6's /settings-definition).
const settingsDefinitionKey = "settings-definition"

// registerSettingsRoutes wires /settings/{name} (read/save one named
// settings blob) and /settings-definition (the JSON schema every blob is
// validated against before being saved).
func (s *Server) registerSettingsRoutes(router *mux.Router) {
	acc := s.registry.Accessor("settings")
	s.settings = &acc
	router.HandleFunc("/settings-definition", s.handleSettingsDefinitionGet).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/settings-definition", s.handleSettingsDefinitionPut).Methods(http.MethodPut, http.MethodOptions)
	router.HandleFunc("/settings/{name}", s.handleSettingsGet).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/settings/{name}", s.handleSettingsPut).Methods(http.MethodPut, http.MethodOptions)
}

func (s *Server) handleSettingsDefinitionGet(w http.ResponseWriter, r *http.Request) {
	var def map[string]any
	if _, err := s.settings.Read(settingsDefinitionKey, &def); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleSettingsDefinitionPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireSuperUser(w, r) {
		return
	}
	var def map[string]any
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, r, err)
		return
	}
	acc := s.registry.Accessor("settings")
	if err := acc.Write(settingsDefinitionKey, def); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var blob map[string]any
	if _, err := s.settings.Read(name, &blob); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blob)
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	raw, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validateSettings(name, raw); err != nil {
		writeError(w, r, err)
		return
	}
	var blob map[string]any
	if err := json.Unmarshal(raw, &blob); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.settings.Write(name, blob); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blob)
}

// validateSettings checks blob against the named sub-schema of the
// settings definition document, if one has been saved, mirroring the
// teacher's use of a gojsonschema validator to check feather property
// shapes before they are persisted.
func (s *Server) validateSettings(name string, blob []byte) error {
	var def map[string]any
	if _, err := s.settings.Read(settingsDefinitionKey, &def); err != nil {
		return err
	}
	schemaForName, ok := def[name]
	if !ok {
		return nil
	}
	schemaJSON, err := json.Marshal(schemaForName)
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(blob))
	if err != nil {
		return apperror.BadRequest("invalid settings schema for %q: %v", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apperror.BadRequest("settings %q failed validation: %v", name, msgs)
	}
	return nil
}
