package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"camflow-broker/internal/broker"
	"camflow-broker/internal/transport"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStreamsCollection serves the /v1/streams endpoint: POST starts a
// channel, GET lists every live channel for operators.
func (s *Server) handleStreamsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleStart(w, r)
	case http.MethodGet:
		if !s.requireAdmin(w, r) {
			return
		}
		s.handleInspectAll(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
	}
}

// handleStreamsItem serves /v1/streams/{id}: GET upgrades a subscriber to a
// WebSocket when the request carries upgrade headers, otherwise it returns an
// operator-facing channel snapshot; DELETE releases a caller_source_id
// mapping.
func (s *Server) handleStreamsItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/streams/")
	if id == "" {
		writeError(w, http.StatusNotFound, "", "channel key required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if isWebSocketUpgrade(r) {
			s.handleAttach(w, r, broker.ChannelKey(id))
			return
		}
		if !s.requireAdmin(w, r) {
			return
		}
		s.handleInspectOne(w, r, broker.ChannelKey(id))
	case http.MethodDelete:
		s.handleStop(w, r, id)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}

	result, err := s.broker.Start(r.Context(), req.toDescriptor())
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newStartResponse(result))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, callerSourceID string) {
	s.broker.Stop(callerSourceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInspectOne(w http.ResponseWriter, r *http.Request, key broker.ChannelKey) {
	snap := s.broker.Inspect(key)
	if snap == nil {
		writeError(w, http.StatusNotFound, string(broker.CodeChannelNotFound), "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, newChannelResponse(*snap))
}

func (s *Server) handleInspectAll(w http.ResponseWriter, r *http.Request) {
	snaps := s.broker.InspectAll()
	out := make([]channelResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newChannelResponse(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	if s.hostMon == nil {
		writeError(w, http.StatusNotFound, "", "host monitoring is disabled")
		return
	}
	stats := s.hostMon.Stats()
	writeJSON(w, http.StatusOK, hostStatsResponse{
		CPUPercent:    stats.CPUPercent,
		MemoryPercent: stats.MemoryPercent,
		SampledAt:     stats.SampledAt,
	})
}

func (s *Server) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	s.broker.ShutdownAll()
	w.WriteHeader(http.StatusNoContent)
}

// handleAttach upgrades the connection to a WebSocket, attaches it as a
// subscriber sink, and pumps the connection until it closes or the channel is
// torn down.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, key broker.ChannelKey) {
	logger := loggerWithRequestContext(r.Context(), s.logger)

	conn, err := transport.Accept(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	subscriberID, err := s.broker.Attach(key, conn)
	if err != nil {
		logger.Warn("subscriber attach rejected", "channel", key, "error", err)
		_ = conn.Close()
		return
	}
	s.metrics.SubscriberAttached()
	defer func() {
		s.broker.Detach(key, subscriberID)
		s.metrics.SubscriberDetached()
		_ = conn.Close()
	}()

	logger.Info("subscriber attached", "channel", key, "subscriber", subscriberID)

	for {
		if _, err := conn.ReadMessage(r.Context()); err != nil {
			logger.Info("subscriber detached", "channel", key, "subscriber", subscriberID, "error", err)
			return
		}
	}
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		writeError(w, http.StatusForbidden, "", "admin endpoints are disabled")
		return false
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		writeError(w, http.StatusUnauthorized, "", "invalid admin token")
		return false
	}
	presented := strings.TrimPrefix(header, prefix)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "", "invalid admin token")
		return false
	}
	return true
}

func (s *Server) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	var brokerErr *broker.BrokerError
	if errors.As(err, &brokerErr) {
		status := statusForCode(brokerErr.Code)
		writeError(w, status, string(brokerErr.Code), brokerErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "", err.Error())
}

func statusForCode(code broker.ErrorCode) int {
	switch code {
	case broker.CodeInvalidConfiguration:
		return http.StatusBadRequest
	case broker.CodeChannelNotFound:
		return http.StatusNotFound
	case broker.CodeNoPortAvailable, broker.CodeListenerBindFailed, broker.CodeSpawnFailed, broker.CodeSupervisorExited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
