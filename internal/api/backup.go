package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/echolog/echolog/internal/backup"
	"github.com/echolog/echolog/internal/metrics"
	"github.com/gorilla/mux"
)

type BackupMessagesResponse struct {
	Messages    []string `json:"messages"`
	LastApplied int64    `json:"last_applied"`
	Digest      string   `json:"digest"`
}

type BackupHealthResponse struct {
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	LastApplied int64  `json:"last_applied"`
	Digest      string `json:"digest"`
}

// BackupServer serves the replication endpoint of a backup node.
type BackupServer struct {
	nodeID  string
	gate    *backup.Gate
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewBackupServer(nodeID string, gate *backup.Gate, logger *slog.Logger) *BackupServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupServer{
		nodeID: nodeID,
		gate:   gate,
		logger: logger,
	}
}

func (s *BackupServer) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

func (s *BackupServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/replicate", s.replicate).Methods("POST")
	router.HandleFunc("/messages", s.messages).Methods("GET")
	router.HandleFunc("/health", s.health).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(s.logger, s.metrics))

	return router
}

func (s *BackupServer) replicate(w http.ResponseWriter, r *http.Request) {
	var req ReplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := ValidateReplicateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err := s.gate.Apply(uint64(*req.SequenceNumber), req.Message)
	if err != nil {
		if oe := backup.AsOrderingError(err); oe != nil {
			expected := oe.Expected
			writeJSON(w, http.StatusConflict, ErrorResponse{
				Status:   "error",
				Message:  oe.Error(),
				Expected: &expected,
			})
			return
		}
		if errors.Is(err, backup.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ACK"})
}

func (s *BackupServer) messages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BackupMessagesResponse{
		Messages:    s.gate.Messages(),
		LastApplied: s.gate.LastApplied(),
		Digest:      s.gate.Digest(),
	})
}

func (s *BackupServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BackupHealthResponse{
		Status:      "healthy",
		NodeID:      s.nodeID,
		LastApplied: s.gate.LastApplied(),
		Digest:      s.gate.Digest(),
	})
}
