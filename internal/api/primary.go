package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/echolog/echolog/internal/health"
	"github.com/echolog/echolog/internal/metrics"
	"github.com/echolog/echolog/internal/primary"
	"github.com/gorilla/mux"
)

type WriteResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	SequenceNumber uint64 `json:"sequence_number"`
	Acks           int    `json:"acks"`
	Required       int    `json:"required"`
}

type HistoryResponse struct {
	Messages        []string `json:"messages"`
	SequenceNumbers []uint64 `json:"sequence_numbers"`
	Digest          string   `json:"digest"`
}

type SyncResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Dispatched int    `json:"dispatched"`
}

// PrimaryServer serves the client-facing API of the primary node.
type PrimaryServer struct {
	coordinator  *primary.Coordinator
	history      *primary.History
	synchronizer *primary.Synchronizer
	monitor      *health.Monitor
	metrics      *metrics.Registry
	logger       *slog.Logger
}

func NewPrimaryServer(coordinator *primary.Coordinator, history *primary.History, synchronizer *primary.Synchronizer, monitor *health.Monitor, logger *slog.Logger) *PrimaryServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrimaryServer{
		coordinator:  coordinator,
		history:      history,
		synchronizer: synchronizer,
		monitor:      monitor,
		logger:       logger,
	}
}

func (s *PrimaryServer) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

func (s *PrimaryServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/messages", s.write).Methods("POST")
	router.HandleFunc("/messages", s.messages).Methods("GET")
	router.HandleFunc("/sync", s.sync).Methods("POST")
	router.HandleFunc("/health", s.health).Methods("GET")
	router.HandleFunc("/health/details", s.healthDetails).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(s.logger, s.metrics))

	return router
}

func (s *PrimaryServer) write(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := ValidateWriteRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	concern := DefaultWriteConcern
	if req.W != nil {
		concern = *req.W
	}

	result, err := s.coordinator.Write(r.Context(), req.Message, concern)
	switch {
	case errors.Is(err, primary.ErrInvalidWrite):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Warn("Write failed", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, WriteResponse{
		Status:         "success",
		Message:        "Message replicated",
		SequenceNumber: result.Entry.Sequence,
		Acks:           len(result.Acks),
		Required:       result.Required,
	})
}

func (s *PrimaryServer) messages(w http.ResponseWriter, r *http.Request) {
	entries := s.history.Entries()

	resp := HistoryResponse{
		Messages:        make([]string, len(entries)),
		SequenceNumbers: make([]uint64, len(entries)),
		Digest:          s.history.Digest(),
	}
	for i, e := range entries {
		resp.Messages[i] = e.Payload
		resp.SequenceNumbers[i] = e.Sequence
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *PrimaryServer) sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := ValidateSyncRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lastKnown := int64(-1)
	if req.LastKnownMsg != nil {
		lastKnown = *req.LastKnownMsg
	}

	n, err := s.synchronizer.SyncAsync(r.Context(), req.SecondaryURL, lastKnown)
	switch {
	case errors.Is(err, primary.ErrUnknownBackup):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, primary.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Catch-up requested",
		"request_id", RequestID(r.Context()),
		"backup", req.SecondaryURL,
		"last_known", lastKnown,
		"entries", n)

	writeJSON(w, http.StatusOK, SyncResponse{
		Status:     "success",
		Message:    "Sync started",
		Dispatched: n,
	})
}

func (s *PrimaryServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Statuses())
}

func (s *PrimaryServer) healthDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}
