package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/actionsrv/app/conditions"
	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/service"
	"github.com/umputun/actionsrv/app/store"
)

const maxRunsLimit = 500

// APIPoolResponse is the JSON response for /api/v1/pool
type APIPoolResponse struct {
	Running int                 `json:"running"`
	Idle    int                 `json:"idle"`
	Active  []service.ActiveRun `json:"active"`
}

// APIPackage represents a package with its actions
type APIPackage struct {
	model.ActionPackage
	Actions []model.Action `json:"actions"`
}

// APIRun represents a run with readable status
type APIRun struct {
	model.Run
	StatusName string `json:"status_name"`
}

// APIRunsResponse is the JSON response for /api/v1/runs
type APIRunsResponse struct {
	Runs   []APIRun `json:"runs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// headers never passed to actions
var hiddenHeaders = map[string]bool{"authorization": true, "cookie": true, "proxy-authorization": true}

func toAPIRun(r model.Run) APIRun {
	return APIRun{Run: r, StatusName: r.Status.String()}
}

// GET /api/v1/pool
func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, APIPoolResponse{
		Running: s.pool.RunningCount(),
		Idle:    s.pool.IdleCount(),
		Active:  s.active.List(),
	})
}

// GET /api/v1/actions?package=name&all=true, disabled actions included with all=true only
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	pkgQuery := store.Query{OrderBy: "name"}
	if name := r.URL.Query().Get("package"); name != "" {
		pkgQuery.Where, pkgQuery.Args = "name = ?", []any{name}
	}

	var res []APIPackage
	err := s.store.Connect(r.Context(), func(c *store.Conn) error {
		pkgs, err := store.All[model.ActionPackage](r.Context(), c, pkgQuery)
		if err != nil {
			return err
		}
		res = make([]APIPackage, 0, len(pkgs))
		for _, p := range pkgs {
			q := store.Query{Where: "action_package_id = ?", Args: []any{p.ID}}
			if !all {
				q.Where += " AND enabled = 1"
			}
			acts, err := store.All[model.Action](r.Context(), c, q)
			if err != nil {
				return err
			}
			res = append(res, APIPackage{ActionPackage: p, Actions: acts})
		}
		return nil
	})
	if err != nil {
		log.Printf("[WARN] failed to list actions: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// GET /api/v1/runs?action_id=id&limit=N&offset=N, newest first
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := 100, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = n
	}
	q := store.Query{OrderBy: "numbered_id DESC", Limit: limit, Offset: offset}
	if id := r.URL.Query().Get("action_id"); id != "" {
		q.Where, q.Args = "action_id = ?", []any{id}
	}

	var runs []model.Run
	err := s.store.Connect(r.Context(), func(c *store.Conn) (e error) {
		runs, e = store.All[model.Run](r.Context(), c, q)
		return e
	})
	if err != nil {
		log.Printf("[WARN] failed to list runs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	resp := APIRunsResponse{Runs: make([]APIRun, 0, len(runs)), Limit: limit, Offset: offset}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, toAPIRun(run))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/runs/{id}, id is either run id or numbered id
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := store.Query{Where: "id = ?", Args: []any{id}}
	if num, err := strconv.ParseInt(id, 10, 64); err == nil {
		q = store.Query{Where: "numbered_id = ?", Args: []any{num}}
	}

	var run model.Run
	err := s.store.Connect(r.Context(), func(c *store.Conn) (e error) {
		run, e = store.First[model.Run](r.Context(), c, q)
		return e
	})
	switch {
	case store.IsNotFound(err):
		s.writeJSONError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		log.Printf("[WARN] failed to get run %s: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPIRun(run))
}

// POST /api/v1/actions/{package}/{action}/run, body is the inputs json object.
// Responds with the finished run, passed or failed.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	pkgName, actName := r.PathValue("package"), r.PathValue("action")

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "can't read request body")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	var inputs map[string]any
	if err := json.Unmarshal(body, &inputs); err != nil || inputs == nil {
		s.writeJSONError(w, http.StatusBadRequest, "inputs must be a json object")
		return
	}

	var action model.Action
	err = s.store.Connect(r.Context(), func(c *store.Conn) error {
		pkg, err := store.First[model.ActionPackage](r.Context(), c, store.Query{Where: "name = ?", Args: []any{pkgName}})
		if err != nil {
			return err
		}
		action, err = store.First[model.Action](r.Context(), c, store.Query{Where: "action_package_id = ? AND name = ?",
			Args: []any{pkg.ID, actName}})
		return err
	})
	switch {
	case store.IsNotFound(err):
		s.writeJSONError(w, http.StatusNotFound, "action not found")
		return
	case err != nil:
		log.Printf("[WARN] failed to find action %s/%s: %v", pkgName, actName, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to find action")
		return
	}

	run, err := s.runner.Run(r.Context(), action, body, requestContext(r))
	switch {
	case errors.Is(err, service.ErrDisabled):
		s.writeJSONError(w, http.StatusNotFound, "action is disabled")
		return
	case errors.Is(err, conditions.ErrRejected):
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil && run.ID == "":
		log.Printf("[WARN] failed to run %s/%s: %v", pkgName, actName, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to run action")
		return
	case err != nil:
		log.Printf("[WARN] run %s of %s/%s not recorded: %v", run.ID, pkgName, actName, err)
	}
	s.writeJSON(w, http.StatusOK, toAPIRun(run))
}

// requestContext collects request headers passed to the action, names lowercased, multiple values joined
func requestContext(r *http.Request) map[string]string {
	res := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		name := strings.ToLower(k)
		if hiddenHeaders[name] {
			continue
		}
		res[name] = strings.Join(v, ", ")
	}
	return res
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
