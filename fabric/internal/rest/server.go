// Package rest is the thin HTTP adapter above the coordinator's
// business operations. Routing only — every handler decodes
// the request, calls the coordinator (the timeline-scoped list handlers
// first check that the timeline exists), and maps the error kind to a
// status code. 201 on create, 204 on update/delete, 400 for a malformed
// request, 404 when an entity is missing, 500 with a generic message
// otherwise.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/quartz-roseline/quartz/fabric/internal/coordinator"
	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
)

// Server exposes the coordinator's resource tree under /api/service/.
type Server struct {
	coord  *coordinator.Coordinator
	log    logging.Logger
	router *mux.Router
}

// New builds the router over coord.
func New(coord *coordinator.Coordinator, log logging.Logger) *Server {
	if log == nil {
		log = logging.New(nil)
	}
	s := &Server{coord: coord, log: log}
	r := mux.NewRouter()
	r.Use(requestID)
	api := r.PathPrefix("/api/service").Subrouter()

	api.HandleFunc("/timelines/", s.listTimelines).Methods(http.MethodGet)
	api.HandleFunc("/timelines/", s.createTimeline).Methods(http.MethodPost)
	api.HandleFunc("/timelines/{name}", s.getTimeline).Methods(http.MethodGet)
	api.HandleFunc("/timelines/{name}", s.updateTimelineQoT).Methods(http.MethodPut)
	api.HandleFunc("/timelines/{name}", s.deleteTimeline).Methods(http.MethodDelete)
	api.HandleFunc("/timelines/{name}/qot", s.getTimelineQoT).Methods(http.MethodGet)
	api.HandleFunc("/timelines/{name}/nodes", s.listNodes).Methods(http.MethodGet)
	api.HandleFunc("/timelines/{name}/nodes", s.createNode).Methods(http.MethodPost)
	api.HandleFunc("/timelines/{name}/nodes/{node}", s.getNode).Methods(http.MethodGet)
	api.HandleFunc("/timelines/{name}/nodes/{node}", s.updateNodeQoT).Methods(http.MethodPut)
	api.HandleFunc("/timelines/{name}/nodes/{node}", s.deleteNode).Methods(http.MethodDelete)
	api.HandleFunc("/timelines/{name}/servers", s.listTimelineServers).Methods(http.MethodGet)
	api.HandleFunc("/timelines/{name}/servers", s.createTimelineServer).Methods(http.MethodPost)
	api.HandleFunc("/timelines/{name}/servers/{server}", s.getTimelineServer).Methods(http.MethodGet)
	api.HandleFunc("/timelines/{name}/servers/{server}", s.deleteTimelineServer).Methods(http.MethodDelete)
	api.HandleFunc("/servers/", s.listServers).Methods(http.MethodGet)
	api.HandleFunc("/servers/", s.createServer).Methods(http.MethodPost)
	api.HandleFunc("/servers/{server}", s.getServer).Methods(http.MethodGet)
	api.HandleFunc("/servers/{server}", s.deleteServer).Methods(http.MethodDelete)

	s.router = r
	return s
}

// ServeHTTP makes the server a http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID stamps each response with a fresh X-Request-Id. The ID is set
// on the response header only; it is not added to the request context,
// the logs or the spans.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch models.KindOf(err) {
	case models.KindNotFound:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case models.KindInvalidArgument:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
	default:
		s.log.ErrorCtx(r.Context(), "request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.NewError("rest.decode", models.KindInvalidArgument, err)
	}
	return nil
}

type qotBody struct {
	AccuracyNs   int64 `json:"accuracy_ns"`
	ResolutionNs int64 `json:"resolution_ns"`
}

type nodeBody struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	qotBody
}

type serverBody struct {
	Name    string            `json:"name"`
	Stratum int               `json:"stratum"`
	Type    models.ServerType `json:"server_type"`
}

func (s *Server) listTimelines(w http.ResponseWriter, r *http.Request) {
	timelines, err := s.coord.ListTimelines(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, timelines)
}

func (s *Server) createTimeline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil || body.Name == "" {
		s.writeError(w, r, models.NewError("rest.createTimeline", models.KindInvalidArgument, err))
		return
	}
	t, err := s.coord.CreateTimeline(r.Context(), body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.GetTimeline(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTimelineQoT(w http.ResponseWriter, r *http.Request) {
	var body qotBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.coord.UpdateTimelineQoT(r.Context(), mux.Vars(r)["name"], body.AccuracyNs, body.ResolutionNs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTimeline(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteTimeline(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getTimelineQoT(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.GetTimeline(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qotBody{AccuracyNs: t.AccuracyNs, ResolutionNs: t.ResolutionNs})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	timeline := mux.Vars(r)["name"]
	if _, err := s.coord.GetTimeline(r.Context(), timeline); err != nil {
		s.writeError(w, r, err)
		return
	}
	nodes, err := s.coord.ListNodes(r.Context(), timeline)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var body nodeBody
	if err := decode(r, &body); err != nil || body.Name == "" {
		s.writeError(w, r, models.NewError("rest.createNode", models.KindInvalidArgument, err))
		return
	}
	n, err := s.coord.CreateNode(r.Context(), mux.Vars(r)["name"], body.Name, body.IP, body.AccuracyNs, body.ResolutionNs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, n)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.coord.GetNode(r.Context(), vars["name"], vars["node"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) updateNodeQoT(w http.ResponseWriter, r *http.Request) {
	var body qotBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	if _, err := s.coord.UpdateNodeQoT(r.Context(), vars["name"], vars["node"], body.AccuracyNs, body.ResolutionNs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.coord.DeleteNode(r.Context(), vars["name"], vars["node"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTimelineServers(w http.ResponseWriter, r *http.Request) {
	timeline := mux.Vars(r)["name"]
	if _, err := s.coord.GetTimeline(r.Context(), timeline); err != nil {
		s.writeError(w, r, err)
		return
	}
	servers, err := s.coord.ListTimelineServers(r.Context(), timeline)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) createTimelineServer(w http.ResponseWriter, r *http.Request) {
	var body serverBody
	if err := decode(r, &body); err != nil || body.Name == "" {
		s.writeError(w, r, models.NewError("rest.createTimelineServer", models.KindInvalidArgument, err))
		return
	}
	ts, err := s.coord.RegisterTimelineServer(r.Context(), mux.Vars(r)["name"], body.Name, body.Stratum, body.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ts)
}

func (s *Server) getTimelineServer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	servers, err := s.coord.ListTimelineServers(r.Context(), vars["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, ts := range servers {
		if ts.Name == vars["server"] {
			s.writeJSON(w, http.StatusOK, ts)
			return
		}
	}
	s.writeError(w, r, models.NewError("rest.getTimelineServer", models.KindNotFound, nil))
}

func (s *Server) deleteTimelineServer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.coord.DeleteTimelineServer(r.Context(), vars["name"], vars["server"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.coord.ListServers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var body serverBody
	if err := decode(r, &body); err != nil || body.Name == "" {
		s.writeError(w, r, models.NewError("rest.createServer", models.KindInvalidArgument, err))
		return
	}
	srv, err := s.coord.RegisterServer(r.Context(), body.Name, body.Stratum, body.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.coord.GetServer(r.Context(), mux.Vars(r)["server"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteServer(r.Context(), mux.Vars(r)["server"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
