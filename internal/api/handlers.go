package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"whatsbot/internal/constants"
	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/metrics"
	"whatsbot/internal/models"
	"whatsbot/internal/privacy"
	"whatsbot/internal/session"
	"whatsbot/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 64 * 1024

type startRequest struct {
	AuthRef string `json:"authRef"`
	Email   string `json:"email,omitempty"`
	ChatJID string `json:"chatJid,omitempty"`
}

type restartRequest struct {
	ReportTarget string `json:"reportTarget,omitempty"`
	AuthRef      string `json:"authRef,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto a status code from its AppError code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidationFailed, apperrors.ErrCodeInvalidCredentials:
		status = http.StatusBadRequest
	case apperrors.ErrCodeSessionNotFound, apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeSessionActive:
		status = http.StatusConflict
	case apperrors.ErrCodeCorruptCredentials:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrCodeChatAPI, apperrors.ErrCodeRestartFailed:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		apperrors.Entry(s.logger, err).Error("Admin request failed")
	}
	msg := apperrors.GetUserMessage(err)
	if msg == "" || status != http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: string(apperrors.GetCode(err))})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.NewValidationError("body", "", err.Error())
	}
	return nil
}

func validateStart(userID string, req startRequest) error {
	if err := validation.ValidateUserID(userID); err != nil {
		return err
	}
	if err := validation.ValidateAuthRef(req.AuthRef); err != nil {
		return err
	}
	if req.Email != "" {
		if err := validation.ValidateEmail(req.Email); err != nil {
			return err
		}
	}
	if req.ChatJID != "" {
		return validation.ValidateChatID(req.ChatJID)
	}
	return nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status":   "ok",
			"sessions": len(s.deps.Sessions.List()),
		}
		if s.deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.deps.Health.Ping(ctx); err != nil {
				s.logger.WithError(err).Warn("Health check: database unreachable")
				resp["status"] = "degraded"
				resp["database"] = "unreachable"
				writeJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
			resp["database"] = "ok"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetSnapshot())
	}
}

func (s *Server) handleUserMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authRef := mux.Vars(r)["authRef"]
		users := []metrics.UserTimings{}
		if s.deps.Timings != nil {
			if got := s.deps.Timings.ForAuthRef(authRef); got != nil {
				users = got
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth_ref": authRef,
			"users":    users,
		})
	}
}

func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := s.deps.Sessions.List()
		if list == nil {
			list = []session.Status{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		st, ok := s.deps.Sessions.Status(userID)
		if !ok {
			s.writeError(w, apperrors.NewSessionError(apperrors.ErrCodeSessionNotFound, userID, "session not found"))
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleStartSession registers a user and opens its session. Delivery
// channels in the body are stored before the session starts so the first
// login code can reach them.
func (s *Server) handleStartSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		var req startRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		req.AuthRef = strings.TrimSpace(req.AuthRef)
		if err := validateStart(userID, req); err != nil {
			s.writeError(w, err)
			return
		}

		if (req.Email != "" || req.ChatJID != "") && s.deps.Channels != nil {
			if err := s.deps.Channels.SaveDeliveryChannel(r.Context(), models.DeliveryChannel{
				UserID:  userID,
				AuthRef: req.AuthRef,
				Email:   req.Email,
				ChatJID: req.ChatJID,
			}); err != nil {
				s.writeError(w, apperrors.NewDatabaseError("save delivery channel", err))
				return
			}
		}

		if err := s.deps.Sessions.Start(r.Context(), userID, req.AuthRef); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.WithFields(logrus.Fields{
			"user_id":  privacy.MaskUserID(userID),
			"auth_ref": privacy.MaskAuthRef(req.AuthRef),
		}).Info("Session start requested via API")

		st, _ := s.deps.Sessions.Status(userID)
		writeJSON(w, http.StatusAccepted, st)
	}
}

func (s *Server) handleRestartSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		var req restartRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		target := req.ReportTarget
		if target == "" {
			target = userID + constants.DefaultSelfJIDSuffix
		} else if err := validation.ValidateChatID(target); err != nil {
			s.writeError(w, err)
			return
		}

		ok, err := s.deps.Sessions.Restart(r.Context(), userID, target, req.AuthRef)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"user_id":   userID,
			"restarted": ok,
		})
	}
}

func (s *Server) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		if err := s.deps.Sessions.DeleteUser(r.Context(), userID); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.WithField("user_id", privacy.MaskUserID(userID)).Info("User deleted via API")
		w.WriteHeader(http.StatusNoContent)
	}
}
