package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rnaworks/foldserver/internal/jobs"
	"github.com/rnaworks/foldserver/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type router struct {
	manager  *jobs.Manager
	streamer *jobs.LogStreamer
	catalog  *pipeline.Catalog
}

func NewRouter(manager *jobs.Manager, streamer *jobs.LogStreamer, catalog *pipeline.Catalog) http.Handler {
	r := &router{manager: manager, streamer: streamer, catalog: catalog}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("POST /jobs", r.handleSubmit)
	m.HandleFunc("GET /jobs", r.handleList)
	m.HandleFunc("GET /jobs/{id}", r.handleStatus)
	m.HandleFunc("GET /jobs/{id}/result", r.handleResult)
	m.HandleFunc("GET /jobs/{id}/log", r.handleLog)
	m.HandleFunc("POST /jobs/{id}/cancel", r.handleCancel)
	m.HandleFunc("GET /jobs/{id}/stream", r.handleStream)
	m.HandleFunc("GET /pipelines", r.handlePipelines)
	m.HandleFunc("POST /pipelines/{name}", r.handlePipelineSubmit)
	m.Handle("GET /metrics", promhttp.Handler())
	return logging(m)
}

func (r *router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body jobs.SubmitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := r.manager.Submit(body)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

func (r *router) handleList(w http.ResponseWriter, req *http.Request) {
	filter := jobs.State(req.URL.Query().Get("state"))
	list, err := r.manager.List(filter)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"jobs": list, "total": len(list)})
}

func (r *router) handleStatus(w http.ResponseWriter, req *http.Request) {
	job, err := r.manager.Get(req.PathValue("id"))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

func (r *router) handleResult(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	result, err := r.manager.Result(id)
	if errors.Is(err, jobs.ErrNotReady) {
		job, gerr := r.manager.Get(id)
		if gerr != nil {
			respondWithDomainError(w, gerr)
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{
			"not_ready": true,
			"state":     job.State,
			"error":     job.Error,
		})
		return
	}
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (r *router) handleLog(w http.ResponseWriter, req *http.Request) {
	tail := 0
	if raw := req.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	lines, total, err := r.manager.Log(req.PathValue("id"), tail)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"lines":       lines,
		"total_lines": total,
	})
}

func (r *router) handleCancel(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}
	job, err := r.manager.Cancel(req.PathValue("id"), body.Reason)
	if errors.Is(err, jobs.ErrInvalidTransition) {
		payload := map[string]any{"cancelled": false, "reason": err.Error()}
		if job != nil {
			payload["state"] = job.State
		}
		respondWithJSON(w, http.StatusConflict, payload)
		return
	}
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"cancelled": true,
		"state":     job.State,
	})
}

func (r *router) handlePipelines(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"pipelines": r.catalog.Pipelines()})
}

func (r *router) handlePipelineSubmit(w http.ResponseWriter, req *http.Request) {
	var body pipeline.Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	submit, err := r.catalog.Resolve(req.PathValue("name"), body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := r.manager.Submit(submit)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"name":   job.Name,
		"state":  string(job.State),
	})
}

// handleStream upgrades to a websocket, replays the log so far, and then
// forwards new lines as the job produces them.
func (r *router) handleStream(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	lines, _, err := r.manager.Log(id, 0)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	for _, line := range lines {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			conn.Close()
			return
		}
	}

	r.streamer.Subscribe(id, conn)
	defer r.streamer.Unsubscribe(id, conn)

	// Keep the connection open until the peer goes away or the streamer
	// closes it at job completion.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
