package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/auth"
	"github.com/JakeFAU/firescrape/internal/progress"
	"github.com/JakeFAU/firescrape/internal/scrape"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type createRunRequest struct {
	URL     string          `json:"url"`
	Formats []scrape.Format `json:"formats"`
	Options scrape.Options  `json:"options"`
}

type createRunResponse struct {
	ID     string           `json:"id"`
	Status scrape.RunStatus `json:"status"`
}

// createRun handles POST /v1/runs. It returns 201 {"id","status"} on success
// and 400 with the offending field for invalid parameters.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := scrape.Normalize(scrape.Params{URL: req.URL, Formats: req.Formats, Options: req.Options}, s.opts.Limits)
	if err != nil {
		var vErr *scrape.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Message, "field": vErr.Field})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.store.CreateRun(r.Context(), owner, params)
	if err != nil {
		s.logger.Error("create run failed", zap.String("owner_id", owner), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	s.progress.Emit(progress.Event{
		RunID:   run.ID,
		OwnerID: run.OwnerID,
		TS:      run.CreatedAt,
		Stage:   progress.StageRunCreated,
		URL:     run.URL,
	})
	writeJSON(w, http.StatusCreated, createRunResponse{ID: run.ID, Status: run.Status})
}

// getRun handles GET /v1/runs/{run_id}. Runs owned by someone else are
// reported as not found.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	run, err := s.store.GetRun(r.Context(), owner, chi.URLParam(r, "run_id"))
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// listRuns handles GET /v1/runs?status=&from=&to=&sort=&limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), owner, filter)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []scrape.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseListFilter(r *http.Request) (scrape.ListFilter, error) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		return scrape.ListFilter{}, err
	}
	filter := scrape.ListFilter{Limit: limit, Offset: offset, Sort: scrape.SortNewest}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := scrape.ParseStatus(raw)
		if err != nil {
			return scrape.ListFilter{}, errors.New("invalid status")
		}
		filter.Status = &status
	}
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return scrape.ListFilter{}, errors.New("invalid from")
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return scrape.ListFilter{}, errors.New("invalid to")
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("sort"))) {
	case "", "desc", "newest":
	case "asc", "oldest":
		filter.Sort = scrape.SortOldest
	default:
		return scrape.ListFilter{}, errors.New("invalid sort")
	}
	return filter, nil
}

func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
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
