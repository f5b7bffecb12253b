package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

// HandleLogin exchanges the operator credentials for a token pair
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.logins.Allow() {
		s.respondError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req struct {
		Username string `json:"username" validate:"required,max=64"`
		Password string `json:"password" validate:"required,max=128"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	operator := s.config.API.Operator
	if req.Username != operator.Username || !s.auth.VerifyPassword(req.Password, operator.PasswordHash) {
		log.Warn().Str("username", req.Username).Msg("Rejected API login")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(operator.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

// HandleRefresh trades a refresh token for a new pair
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

func (s *RESTServer) respondTokens(w http.ResponseWriter, accessToken, refreshToken string) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleGetCurrentUser returns the authenticated operator
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "missing claims")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"username":   claims.Username,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// ========== Node handlers ==========

// HandleStatus returns the controller snapshot
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.node.Status())
}

// HandleDiagnostics returns the last link check values
func (s *RESTServer) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"link":          s.node.LinkDiagnostics(),
		"lastLinkCheck": st.LastLinkCheck,
	})
}

// HandleSession reads the radio parameters from the session. Parameters
// that could not be read are returned zero alongside the error text.
func (s *RESTServer) HandleSession(w http.ResponseWriter, r *http.Request) {
	params, err := s.node.SessionParams(r.Context())
	resp := map[string]interface{}{
		"session": params,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleListEvents lists reported events, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}

	q := r.URL.Query()
	var req struct {
		Limit  int    `json:"limit" validate:"min=1,max=500"`
		Offset int    `json:"offset" validate:"min=0"`
		Type   string `json:"type" validate:"omitempty,oneof=JOIN UPLINK ACK DOWNLINK LINK_CHECK STATUS ERROR"`
		Level  string `json:"level" validate:"omitempty,oneof=DEBUG INFO WARNING ERROR FATAL"`
	}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	if req.Limit == 0 {
		req.Limit = 20
	}
	req.Offset, _ = strconv.Atoi(q.Get("offset"))
	req.Type = strings.ToUpper(q.Get("type"))
	req.Level = strings.ToUpper(q.Get("level"))

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var filters storage.EventLogFilters
	if v := q.Get("dev_eui"); v != "" {
		devEUI := strings.ToLower(v)
		filters.DevEUI = &devEUI
	}
	if req.Type != "" {
		typ := models.EventType(req.Type)
		filters.Type = &typ
	}
	if req.Level != "" {
		level := models.EventLevel(req.Level)
		filters.Level = &level
	}
	if v := q.Get("code"); v != "" {
		code := models.EventCode(v)
		filters.Code = &code
	}
	if v := q.Get("cycle_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid cycle_id")
			return
		}
		filters.CycleID = &id
	}
	for name, dst := range map[string]**time.Time{"start": &filters.StartTime, "end": &filters.EndTime} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid "+name+" time")
				return
			}
			*dst = &t
		}
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, req.Limit, req.Offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// HandleHealth reports liveness; it needs no token
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "LoRaWAN Node Controller",
		"version": "1.0.0",
		"health":  "/api/v1/health",
		"metrics": "/metrics",
	})
}

// respondJSON writes payload with the given status. Encoding happens
// before the header goes out so a failure can still become a 500.
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
