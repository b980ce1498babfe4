package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/example/agent-market/agentbuild/internal/blob"
	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/model"
	"github.com/example/agent-market/agentbuild/internal/tracker"
)

type Server struct {
	Tracker *tracker.Tracker
	// Blobs serves downloaded artifacts; nil when downloads are disabled.
	Blobs *blob.LocalFS
	// UserID is sent as the requester when a request does not name one.
	UserID string
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agents/{agentID}/builds", s.handleSubmit)
		r.Get("/agents/{agentID}/builds/{jobID}/apk", s.handleGetAPK)
		r.Post("/builds/resume", s.handleResume)
		r.Get("/builds/active", s.handleActive)
		r.Get("/builds/history", s.handleHistory)
		r.Get("/builds/{jobID}/events", s.handleEvents)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type submitBody struct {
	AgentName string `json:"agentName"`
	UserID    string `json:"userId"`
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body submitBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if strings.TrimSpace(body.AgentName) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("agentName is required"))
		return
	}
	userID := body.UserID
	if userID == "" {
		userID = s.UserID
	}

	jobID, err := s.Tracker.Submit(r.Context(), tracker.SubmitRequest{
		OwnerID:     agentID,
		DisplayName: body.AgentName,
		RequesterID: userID,
	})
	if err != nil {
		var failed *tracker.SubmissionFailed
		if errors.As(err, &failed) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": failed.Message})
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID})
}

func (s Server) handleResume(w http.ResponseWriter, r *http.Request) {
	resumed, err := s.Tracker.ScanAndResume(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if resumed == nil {
		resumed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
}

func (s Server) handleActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.Tracker.Active(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	watching := make(map[string]bool)
	for _, id := range s.Tracker.Watching() {
		watching[id] = true
	}

	agents := make([]string, 0, len(active))
	for agentID := range active {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)

	resp := make([]map[string]any, 0, len(agents))
	for _, agentID := range agents {
		jobID := active[agentID]
		resp = append(resp, map[string]any{
			"agentId":  agentID,
			"jobId":    jobID,
			"watching": watching[jobID],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	results, err := s.Tracker.History(r.Context(), r.URL.Query().Get("agentId"), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(results))
	for _, res := range results {
		resp = append(resp, s.resultResponse(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetAPK(w http.ResponseWriter, r *http.Request) {
	if s.Blobs == nil {
		writeErr(w, http.StatusNotFound, errors.New("artifact downloads are disabled"))
		return
	}
	rel := blob.APKPath(chi.URLParam(r, "agentID"), chi.URLParam(r, "jobID"))
	if !s.Blobs.Exists(rel) {
		writeErr(w, http.StatusNotFound, errors.New("artifact not found"))
		return
	}
	f, err := s.Blobs.Open(rel)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.android.package-archive")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

// handleEvents streams one job's progress and terminal events as server-sent
// events, ending after the terminal event.
func (s Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	jobID := chi.URLParam(r, "jobID")

	progress := make(chan event.BuildEvent, 16)
	terminal := make(chan event.BuildEvent, 1)
	defer s.Tracker.OnProgress(jobID, func(e event.BuildEvent) {
		select {
		case progress <- e:
		default:
		}
	})()
	defer s.Tracker.OnTerminal(jobID, func(e event.BuildEvent) {
		select {
		case terminal <- e:
		default:
		}
	})()

	if !s.isWatching(jobID) && len(terminal) == 0 {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job %s is not being watched", jobID))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-progress:
			writeEvent(w, e)
			flusher.Flush()
		case e := <-terminal:
			writeEvent(w, e)
			flusher.Flush()
			return
		}
	}
}

func (s Server) isWatching(jobID string) bool {
	for _, id := range s.Tracker.Watching() {
		if id == jobID {
			return true
		}
	}
	return false
}

func writeEvent(w io.Writer, e event.BuildEvent) {
	data, err := json.Marshal(eventResponse(e))
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
}

func eventResponse(e event.BuildEvent) map[string]any {
	resp := map[string]any{
		"jobId":     e.JobID,
		"agentId":   e.OwnerID,
		"agentName": e.DisplayName,
		"state":     e.State,
		"timestamp": e.Timestamp,
	}
	if e.Attempt > 0 {
		resp["attempt"] = e.Attempt
	}
	if e.ArtifactURL != "" {
		resp["apkUrl"] = e.ArtifactURL
	}
	if e.ErrorMessage != "" {
		resp["error"] = e.ErrorMessage
	}
	return resp
}

func (s Server) resultResponse(res model.Result) map[string]any {
	resp := map[string]any{
		"jobId":      res.JobID,
		"agentId":    res.OwnerID,
		"agentName":  res.DisplayName,
		"state":      res.State,
		"startedAt":  res.StartedAt,
		"finishedAt": res.FinishedAt,
	}
	if res.ArtifactURL != "" {
		resp["apkUrl"] = res.ArtifactURL
	}
	if res.ErrorMessage != "" {
		resp["error"] = res.ErrorMessage
	}
	if s.Blobs != nil && s.Blobs.Exists(blob.APKPath(res.OwnerID, res.JobID)) {
		resp["localApk"] = fmt.Sprintf("/v1/agents/%s/builds/%s/apk", res.OwnerID, res.JobID)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
