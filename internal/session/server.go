// ABOUTME: HTTP surface for the routing core: WebSocket upgrade and health.
// ABOUTME: Upgraded connections are handed to the session manager's read loop.

package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/deskrouter/internal/fault"
	"github.com/2389/deskrouter/internal/queue"
	"github.com/2389/deskrouter/internal/registry"
)

// Server exposes /ws/agent for agent connections, /api for customer session
// admission, and /healthz for probes.
type Server struct {
	manager  *Manager
	queue    *queue.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
	started  time.Time
}

func NewServer(manager *Manager, q *queue.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		queue:   q,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agent consoles connect from arbitrary origins; auth happens
			// in-band via the authenticate command.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "server"),
		started: time.Now(),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", s.handleAgentSocket)
	mux.HandleFunc("POST /api/sessions", s.handleEnqueue)
	mux.HandleFunc("POST /api/sessions/{queueID}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/queue", s.handleQueueStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// EnqueueRequest admits one customer session into the routing queue.
type EnqueueRequest struct {
	SessionID    string              `json:"sessionId"`
	Priority     string              `json:"priority"`
	Customer     queue.CustomerData  `json:"customer"`
	Requirements RequirementsPayload `json:"requirements"`
}

// RequirementsPayload is the wire form of agent requirements; skill level
// travels as its string name.
type RequirementsPayload struct {
	Department    string   `json:"department,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	MinSkillLevel string   `json:"minSkillLevel,omitempty"`
	Language      string   `json:"language,omitempty"`
	Urgent        bool     `json:"urgent,omitempty"`
}

func (p RequirementsPayload) toRequirements() (registry.Requirements, error) {
	skill, err := registry.ParseSkillLevel(p.MinSkillLevel)
	if err != nil {
		return registry.Requirements{}, fault.Validationf("%v", err)
	}
	return registry.Requirements{
		Department:    p.Department,
		Capabilities:  p.Capabilities,
		MinSkillLevel: skill,
		Language:      p.Language,
		Urgent:        p.Urgent,
	}, nil
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Validationf("decoding request: %v", err))
		return
	}

	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, fault.Validationf("%v", err))
		return
	}
	reqs, err := req.Requirements.toRequirements()
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.queue.Enqueue(req.SessionID, req.Customer, priority, reqs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"queueId":           result.QueueID,
		"position":          result.Position,
		"estimatedWaitSecs": result.EstimatedWait.Seconds(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queueID")
	removed := s.queue.RemoveFromQueue(queueID, "canceled")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"removed": removed})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"size":             stats.Size,
		"byPriority":       stats.ByPriority,
		"totalProcessed":   stats.TotalProcessed,
		"totalEscalations": stats.TotalEscalations,
		"avgWaitSeconds":   stats.AvgWait.Seconds(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    fault.Code(err),
		"message": err.Error(),
	})
}

func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	s.manager.HandleConnection(ws)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"connections":    s.manager.connCount(),
	})
}
