package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cuemby/heron/pkg/monitor"
	"github.com/cuemby/heron/pkg/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
	maxHistory      = 50
	defaultEvents   = 100
)

// TasksResponse is one page of the aggregated monitor view
type TasksResponse struct {
	Items   []monitor.Row             `json:"items"`
	Total   int                       `json:"total"`
	Page    int                       `json:"page"`
	Size    int                       `json:"size"`
	Summary map[types.LeaseStatus]int `json:"summary"`
}

// StatusesResponse is one page of raw status records
type StatusesResponse struct {
	Items []*types.EntityLease `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	page, size, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := intParam(r, "history", 0, 0, maxHistory)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	entities, err := s.deps.Entities.ListEntities(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	leases, err := s.deps.Statuses.AllStatuses(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	rows := monitor.Aggregate(entities, leases, history)
	writeJSON(w, http.StatusOK, TasksResponse{
		Items:   monitor.Page(rows, page, size),
		Total:   len(rows),
		Page:    page,
		Size:    size,
		Summary: monitor.Summary(rows),
	})
}

func (s *Server) listStatuses(w http.ResponseWriter, r *http.Request) {
	page, size, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := s.deps.Statuses.ListStatuses(r.Context(), page, size)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if items == nil {
		items = []*types.EntityLease{}
	}
	writeJSON(w, http.StatusOK, StatusesResponse{Items: items, Total: total, Page: page, Size: size})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Nodes.Nodes(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if nodes == nil {
		nodes = []*types.ClusterNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nodes})
}

func (s *Server) listDenylist(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.deps.Denylist.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if addrs == nil {
		addrs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": addrs})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultEvents, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Events.Recent(limit)})
}

func pagination(r *http.Request) (page, size int, err error) {
	if page, err = intParam(r, "page", 1, 1, 1<<20); err != nil {
		return 0, 0, err
	}
	if size, err = intParam(r, "size", defaultPageSize, 1, maxPageSize); err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

// intParam reads an optional integer query parameter within [lo, hi]
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
