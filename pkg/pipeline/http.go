package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
	"github.com/synaptica-ai/sedation-cohort/pkg/storage"
)

type HTTPHandler struct {
	materializer *Materializer
	cache        *storage.ExposureCache
	results      *storage.ResultStore
	maxBody      int64
}

func NewHTTPHandler(materializer *Materializer, cache *storage.ExposureCache, results *storage.ResultStore, maxBody int64) *HTTPHandler {
	return &HTTPHandler{
		materializer: materializer,
		cache:        cache,
		results:      results,
		maxBody:      maxBody,
	}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/cohort/runs", h.handleCreateRun).Methods("POST")
	router.HandleFunc("/api/v1/cohort/runs", h.handleListRuns).Methods("GET")
	router.HandleFunc("/api/v1/cohort/runs/{id}", h.handleGetRun).Methods("GET")
	router.HandleFunc("/api/v1/cohort/runs/{id}/hospitalizations/{hospitalization}/doses", h.handleHourlyDoses).Methods("GET")
	router.HandleFunc("/api/v1/cohort/hospitalizations/{hospitalization}/exposure", h.handleExposure).Methods("GET")
}

func (h *HTTPHandler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req ingestion.RunRequestWrapper
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	run, err := h.materializer.Enqueue(r.Context(), req.ToModel())
	if err != nil {
		if ingestion.IsMissingInput(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("Failed to enqueue cohort run")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (h *HTTPHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.materializer.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *HTTPHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.materializer.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *HTTPHandler) handleHourlyDoses(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		http.Error(w, "result store not configured", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	doses, err := h.results.HourlyDoses(r.Context(), vars["id"], vars["hospitalization"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":             vars["id"],
		"hospitalization_id": vars["hospitalization"],
		"doses":              doses,
	})
}

func (h *HTTPHandler) handleExposure(w http.ResponseWriter, r *http.Request) {
	hosp := mux.Vars(r)["hospitalization"]
	rows, runID, err := h.cache.Get(r.Context(), hosp)
	if errors.Is(err, storage.ErrCacheMiss) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hospitalization_id": hosp,
		"run_id":             runID,
		"hours":              rows,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
