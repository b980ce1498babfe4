package buildapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// StatusStep is one scripted answer of the fake status endpoint.
type StatusStep struct {
	Code int
	Body StatusResponse
	// Drop closes the connection without answering.
	Drop bool
	// Delay holds the answer back, or until the client gives up.
	Delay time.Duration
}

func Building() StatusStep {
	return StatusStep{Code: http.StatusOK, Body: StatusResponse{Success: true, Build: &Build{Status: "building"}}}
}

func Completed(apkURL string) StatusStep {
	return StatusStep{Code: http.StatusOK, Body: StatusResponse{Success: true, Build: &Build{Status: "completed", ApkURL: apkURL}}}
}

func Failed(msg string) StatusStep {
	return StatusStep{Code: http.StatusOK, Body: StatusResponse{Success: true, Build: &Build{Status: "failed", Error: msg}}}
}

func NotFound() StatusStep {
	return StatusStep{Code: http.StatusNotFound, Body: StatusResponse{Error: "build not found"}}
}

func Drop() StatusStep {
	return StatusStep{Drop: true}
}

// Stall answers building only after d.
func Stall(d time.Duration) StatusStep {
	step := Building()
	step.Delay = d
	return step
}

func ServerError() StatusStep {
	return StatusStep{Code: http.StatusServiceUnavailable, Body: StatusResponse{Error: "build workers unavailable"}}
}

// FakeService is an in-process build service for tests. Submissions succeed
// with a random job id unless OnSubmit overrides them; each job answers its
// queued status steps in order and repeats the last one.
type FakeService struct {
	mu          sync.Mutex
	server      *httptest.Server
	onSubmit    func(SubmitRequest) (int, SubmitResponse)
	submits     []SubmitRequest
	steps       map[string][]StatusStep
	statusCalls map[string]int
	lastAuth    string
	statusHook  func(jobID string, call int)
}

func NewFakeService(t testing.TB) *FakeService {
	t.Helper()
	f := &FakeService{
		steps:       make(map[string][]StatusStep),
		statusCalls: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post(SubmitPath, f.handleSubmit)
	r.Get(StatusPath+"{jobID}", f.handleStatus)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *FakeService) URL() string { return f.server.URL }

func (f *FakeService) OnSubmit(fn func(SubmitRequest) (int, SubmitResponse)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
}

// OnStatus registers a hook called after each status query is answered.
func (f *FakeService) OnStatus(fn func(jobID string, call int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHook = fn
}

func (f *FakeService) QueueStatus(jobID string, steps ...StatusStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[jobID] = append(f.steps[jobID], steps...)
}

func (f *FakeService) Submits() []SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubmitRequest(nil), f.submits...)
}

func (f *FakeService) StatusCalls(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[jobID]
}

func (f *FakeService) LastAuthorization() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func (f *FakeService) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Error: err.Error()})
		return
	}

	f.mu.Lock()
	f.submits = append(f.submits, in)
	f.lastAuth = r.Header.Get("Authorization")
	fn := f.onSubmit
	f.mu.Unlock()

	if fn != nil {
		code, out := fn(in)
		writeJSON(w, code, out)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Success: true, JobID: uuid.NewString()})
}

func (f *FakeService) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	f.mu.Lock()
	f.statusCalls[jobID]++
	call := f.statusCalls[jobID]
	f.lastAuth = r.Header.Get("Authorization")
	step := NotFound()
	if queued := f.steps[jobID]; len(queued) > 0 {
		step = queued[0]
		if len(queued) > 1 {
			f.steps[jobID] = queued[1:]
		}
	}
	hook := f.statusHook
	f.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-r.Context().Done():
		}
	}

	if step.Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
	} else {
		writeJSON(w, step.Code, step.Body)
	}
	if hook != nil {
		hook(jobID, call)
	}
}

// writeJSON closes every connection so a later Drop never lands on a reused
// connection, which net/http would silently replay.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
