package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

const (
	defaultStoreLimit = 100
	maxStoreLimit     = 1000
)

// handlers serve the /v1 routes.
type handlers struct {
	grid    grid.Grid
	logger  *zap.Logger
	timeout time.Duration
}

// activeLister is implemented by pipeline coordinators that know which
// pipelines run in this process.
type activeLister interface {
	ActivePipelines() []string
}

// listStores handles GET /v1/stores?limit=&offset=. It returns
// {"stores": [...], "total": n} sorted by name.
func (h *handlers) listStores(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultStoreLimit, maxStoreLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var stores []storeDTO
	_, err = h.grid.Storage().ForEachStore(ctx, func(st grid.Store) (bool, error) {
		dto, err := toStoreDTO(ctx, st)
		if err != nil {
			return false, err
		}
		stores = append(stores, dto)
		return true, nil
	})
	if err != nil {
		h.logger.Error("list stores failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stores")
		return
	}
	slices.SortFunc(stores, func(a, b storeDTO) int { return strings.Compare(a.Name, b.Name) })
	total := len(stores)
	stores = stores[min(offset, total):min(offset+limit, total)]
	writeJSON(w, http.StatusOK, map[string]any{
		"stores": stores,
		"total":  total,
	})
}

// getStore handles GET /v1/stores/{name}. It returns 404 for names the
// catalog does not know.
func (h *handlers) getStore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	st, err := h.grid.Storage().Reopen(ctx, name)
	if err != nil {
		if grid.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		h.logger.Error("reopen store failed", zap.String("store", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load store")
		return
	}
	dto, err := toStoreDTO(ctx, st)
	if err != nil {
		h.logger.Error("size store failed", zap.String("store", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load store")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": dto})
}

// listJobs handles GET /v1/jobs and lists the jobs active in this process.
func (h *handlers) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": nonNil(h.grid.Compute().ActiveJobs())})
}

// getJob handles GET /v1/jobs/{name}. A job that never ran reports IDLE.
func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, found, err := h.grid.Compute().Record(ctx, name)
	if err != nil {
		h.logger.Error("get job failed", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !found {
		rec = grid.JobRecord{Name: name, State: grid.JobIdle}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": h.toJobDTO(rec)})
}

// stopJob handles POST /v1/jobs/{name}/stop.
func (h *handlers) stopJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c := h.grid.Compute()
	active := slices.Contains(c.ActiveJobs(), name)
	c.RequestStop(name)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": name, "active": active})
}

// stopAllJobs handles POST /v1/jobs/stop.
func (h *handlers) stopAllJobs(w http.ResponseWriter, _ *http.Request) {
	c := h.grid.Compute()
	active := nonNil(c.ActiveJobs())
	c.RequestStop("")
	writeJSON(w, http.StatusAccepted, map[string]any{"stopped": active})
}

// getPipeline handles GET /v1/pipelines/{id}.
func (h *handlers) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	idx, found, err := h.grid.Pipeline().ActiveStageIndex(ctx, id)
	if err != nil {
		h.logger.Error("get pipeline failed", zap.String("pipeline", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load pipeline")
		return
	}
	dto := pipelineDTO{ID: id, Recorded: found}
	if found {
		dto.Completed = idx == grid.CompletedStageIndex
		if !dto.Completed {
			dto.Stage = &idx
		}
	}
	if l, ok := h.grid.Pipeline().(activeLister); ok {
		dto.Active = slices.Contains(l.ActivePipelines(), id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipeline": dto})
}

// stopPipeline handles POST /v1/pipelines/{id}/stop. The request is stored,
// so a pipeline running in another process sharing the storage stops too.
func (h *handlers) stopPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.grid.Pipeline().Stop(ctx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "stop request timed out")
			return
		}
		h.logger.Error("stop pipeline failed", zap.String("pipeline", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop pipeline")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pipeline": id, "status": "stop requested"})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func toStoreDTO(ctx context.Context, st grid.Store) (storeDTO, error) {
	size, err := st.Collection().Size(ctx)
	if err != nil {
		return storeDTO{}, err
	}
	return storeDTO{
		Name:      st.Descriptor.Name,
		Kind:      st.Descriptor.Kind.String(),
		ValueType: st.Descriptor.ValueType,
		Size:      size,
		Internal:  strings.HasPrefix(st.Descriptor.Name, grid.InternalPrefix),
	}, nil
}

func (h *handlers) toJobDTO(rec grid.JobRecord) jobDTO {
	dto := jobDTO{
		Name:   rec.Name,
		State:  string(rec.State),
		RunID:  rec.RunID,
		Error:  rec.Error,
		Active: slices.Contains(h.grid.Compute().ActiveJobs(), rec.Name),
	}
	if !rec.StartedAt.IsZero() {
		dto.StartedAt = &rec.StartedAt
	}
	if !rec.EndedAt.IsZero() {
		dto.EndedAt = &rec.EndedAt
	}
	return dto
}

type storeDTO struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	ValueType string `json:"value_type,omitempty"`
	Size      int64  `json:"size"`
	Internal  bool   `json:"internal"`
}

type jobDTO struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	RunID     string     `json:"run_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Active    bool       `json:"active"`
}

type pipelineDTO struct {
	ID        string `json:"id"`
	Recorded  bool   `json:"recorded"`
	Stage     *int   `json:"stage,omitempty"`
	Completed bool   `json:"completed"`
	Active    bool   `json:"active"`
}
