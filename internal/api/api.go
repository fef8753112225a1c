// Package api is a thin HTTP adapter over a Runtime: submitting a signed
// DAG node, a liveness check, and read access to recent dispatch activity.
// Built with gorilla/mux, kept deliberately shallow since the HTTP surface
// is an external-collaborator concern, not a core component.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/covenantmesh/fednet/core"
)

// Server wires a Runtime to an HTTP mux.
type Server struct {
	runtime *core.Runtime
}

// NewServer builds a Server over runtime.
func NewServer(runtime *core.Runtime) *Server {
	return &Server{runtime: runtime}
}

// Router builds the gorilla/mux router carrying this adapter's four routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dag/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/dispatches/latest", s.handleLatestDispatches).Methods(http.MethodGet)
	r.HandleFunc("/api/dispatches/{cid}", s.handleDispatchByCID).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind, ok := core.KindOf(err)
	if ok {
		switch kind {
		case core.ErrNotFound:
			status = http.StatusNotFound
		case core.ErrMalformedRequest, core.ErrInvalidParentRefs:
			status = http.StatusBadRequest
		case core.ErrUnauthorized:
			status = http.StatusForbidden
		case core.ErrSignatureInvalid, core.ErrCidMismatch:
			status = http.StatusUnprocessableEntity
		case core.ErrTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var node core.SignedDagNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, err)
		return
	}
	if err := s.runtime.Submit(r.Context(), node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"cid": node.CID.String()})
}

func (s *Server) handleLatestDispatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	store := s.runtime.Store()
	ids := store.ByPayloadTag(core.PayloadDispatchCredential)
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]string, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, ids[i].String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDispatchByCID(w http.ResponseWriter, r *http.Request) {
	cidStr := mux.Vars(r)["cid"]
	c, err := core.ParseCID(cidStr)
	if err != nil {
		writeError(w, err)
		return
	}
	node, err := s.runtime.Store().Get(c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}
