package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/hazardwatch/internal/authmw"
	"github.com/linnemanlabs/hazardwatch/internal/triage"
)

const triageCachePrefix = "triage-queue:"

type reportList struct {
	Reports []triage.Report `json:"reports"`
	Count   int             `json:"count"`
}

type actionRequest struct {
	Notes string `json:"notes"`
}

var queuePresets = map[string]func() triage.Filter{
	"review":   triage.ReviewQueue,
	"expedite": triage.ExpeditedQueue,
	"reject":   triage.RejectionCandidates,
}

// parseFilter builds a filter from the query string. queue selects a preset
// which explicit parameters then override. Without queue or bounds every
// unverified report is listed.
func parseFilter(q url.Values) (triage.Filter, error) {
	var f triage.Filter
	if name := q.Get("queue"); name != "" {
		preset, ok := queuePresets[name]
		if !ok {
			return f, &triage.FilterError{Reason: "unknown queue " + strconv.Quote(name)}
		}
		f = preset()
	}
	if v := q.Get("status"); v != "" {
		f.Status = triage.Status(v)
	}
	if v := q.Get("hazardType"); v != "" {
		f.HazardType = v
	}
	for name, dst := range map[string]**float64{"minConfidence": &f.MinConfidence, "maxConfidence": &f.MaxConfidence} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, &triage.FilterError{Reason: name + " must be a number"}
		}
		*dst = &n
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, &triage.FilterError{Reason: name + " must be an integer"}
		}
		*dst = n
	}
	for name, dst := range map[string]*bool{"includeUnscored": &f.IncludeUnscored, "maxExclusive": &f.MaxExclusive} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &triage.FilterError{Reason: name + " must be a boolean"}
		}
		*dst = b
	}
	return f.Normalize()
}

func (a *API) handleListReports(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	key := triageCachePrefix + r.URL.Query().Encode()
	if a.cache != nil {
		if v, fresh := a.cache.Get(key); fresh {
			if reports, ok := v.([]triage.Report); ok {
				w.Header().Set("X-Cache", "hit")
				writeJSON(w, http.StatusOK, reportList{Reports: reports, Count: len(reports)})
				return
			}
		}
	}

	reports, err := a.triage.List(r.Context(), f)
	if err != nil {
		a.triageError(w, r, err)
		return
	}
	if a.cache != nil {
		a.cache.Set(key, reports)
		w.Header().Set("X-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, reportList{Reports: reports, Count: len(reports)})
}

func (a *API) handlePendingActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"pending": a.triage.Pending()})
}

func (a *API) handleTriageAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := triage.Action(chi.URLParam(r, "action"))

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("hazardwatch.tracking_id", id),
		attribute.String("hazardwatch.triage_action", string(action)),
	)

	if action.Target() == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown triage action")
		return
	}

	var req actionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "unreadable body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid", "invalid payload")
			return
		}
	}

	caller, _ := authmw.CallerFromContext(r.Context())
	rep, err := a.triage.Apply(r.Context(), id, triage.Decision{Action: action, Notes: req.Notes, Actor: caller.Actor})
	if err != nil {
		a.triageError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("hazardwatch.report_status", string(rep.Status)))
	writeJSON(w, http.StatusOK, rep)
}

// triageError maps triage failures onto status codes. Backend failures carry
// the backend's reason when it gave one.
func (a *API) triageError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ap *triage.AlreadyProcessedError
		be *triage.BackendError
	)
	switch {
	case errors.Is(err, triage.ErrInvalidFilter), errors.Is(err, triage.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, triage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "another action on this report is still in progress")
	case errors.As(err, &ap):
		writeJSON(w, http.StatusConflict, errorResponse{Error: ap.Error(), Code: "already_processed", Status: string(ap.Status)})
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "report not found")
	case errors.Is(err, triage.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", "service is shutting down")
	case errors.As(err, &be):
		a.logger.Warn(r.Context(), "triage backend failure", "tracking_id", be.TrackingID, "action", be.Action, "error", err)
		writeError(w, http.StatusBadGateway, "backend", be.UserMessage())
	default:
		a.logger.Error(r.Context(), err, "triage request failed")
		writeError(w, http.StatusBadGateway, "backend", triage.GenericFailure)
	}
}
