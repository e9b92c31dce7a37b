package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Lifecycle handlers

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := decode(r, s.config.MaxRequestSize, s.validator.spawn, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.config.RateLimit.Enabled && !s.limiter.Allow(s.callerKey(r, req.OwnerID)) {
		s.writeError(w, r, common.NewSandboxError(common.ErrCodeRateLimited, "too many spawn requests", ""))
		return
	}

	requestID, _ := common.CorrelationIDFromContext(r.Context())
	inst, err := s.supervisor.Spawn(r.Context(), sandbox.Request{
		OwnerID:       req.OwnerID,
		ChallengeKey:  req.ChallengeKey,
		CorrelationID: requestID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, SpawnResponse{
		Status:      statusOK,
		InstanceID:  inst.ID,
		ContainerID: inst.ContainerID,
		HostPort:    inst.HostPort,
		URL:         inst.URL,
		ExpiresAt:   inst.ExpiresAt,
	})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req DestroyRequest
	if err := decode(r, s.config.MaxRequestSize, s.validator.destroy, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.supervisor.Destroy(r.Context(), req.InstanceID, req.OwnerID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: statusOK})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := sandbox.ListFilter{
		OwnerID:      common.StringPtr(query.Get("owner_id")),
		ChallengeKey: query.Get("challenge"),
	}

	instances, err := s.supervisor.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.now()
	response := ListResponse{
		Status:    statusOK,
		Instances: make([]InstanceResponse, 0, len(instances)),
		Total:     len(instances),
		Timestamp: now.UTC(),
	}
	for _, inst := range instances {
		response.Instances = append(response.Instances, toInstanceResponse(inst, now))
	}

	s.writeJSONResponse(w, http.StatusOK, response)
}

// Diagnostics handlers

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.supervisor.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toInstanceResponse(inst, s.now()))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]

	tail, err := intQuery(r, "tail", s.config.DefaultLogTail, s.config.MaxLogTail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logs, err := s.supervisor.Logs(r.Context(), instanceID, tail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, LogsResponse{
		InstanceID: instanceID,
		Tail:       tail,
		Logs:       logs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.supervisor.Stats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]

	limit, err := intQuery(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	records, err := s.supervisor.History(r.Context(), ownerID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, HistoryResponse{
		OwnerID:   ownerID,
		Instances: records,
	})
}

func (s *Server) handleChallenges(w http.ResponseWriter, r *http.Request) {
	challenges := s.supervisor.Challenges()
	s.writeJSONResponse(w, http.StatusOK, ChallengesResponse{
		Challenges: challenges,
		Total:      len(challenges),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.supervisor.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.supervisor.Health(r.Context())

	status := http.StatusOK
	if health.Status != statusOK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSONResponse(w, status, health)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, common.NewSandboxError(common.ErrCodeNotFound, "route not found", r.URL.Path))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusMethodNotAllowed, ErrorResponse{
		Status:  statusError,
		Code:    common.ErrCodeInvalidRequest,
		Message: "method not allowed",
	})
}

// Helper methods

// callerKey identifies a caller for rate limiting: the owner when given,
// the remote address otherwise
func (s *Server) callerKey(r *http.Request, ownerID *string) string {
	if ownerID != nil && *ownerID != "" {
		return "owner:" + *ownerID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps err to its status and public message. The full error,
// including runtime output, is only logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := common.CodeOf(err)
	status := common.HTTPStatus(code)
	requestID, _ := common.CorrelationIDFromContext(r.Context())

	event := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("code", code).
		Str("request_id", requestID).
		Str("path", r.URL.Path).
		Msg("API error")

	s.writeJSONResponse(w, status, ErrorResponse{
		Status:    statusError,
		Code:      code,
		Message:   common.PublicMessage(err),
		RequestID: requestID,
	})
}

// intQuery parses an optional positive integer query parameter, clamped
// to maxValue
func intQuery(r *http.Request, name string, defaultValue, maxValue int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, common.NewSandboxError(common.ErrCodeInvalidRequest, name+" must be a positive integer", raw)
	}
	if value > maxValue {
		value = maxValue
	}
	return value, nil
}
