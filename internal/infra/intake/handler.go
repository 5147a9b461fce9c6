// Package intake accepts conversations from the messaging front end over HTTP and hands
// them to the router.
package intake

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/distribution"
)

const maxRequestBodyBytes = 1 << 20

// Router is the part of the routing service the intake needs.
type Router interface {
	Route(ctx context.Context, conv *distribution.Conversation) (distribution.Decision, error)
	Release(conversationID string)
	Unassigned() []distribution.Conversation
}

type Handler struct {
	router Router
	apiKey string
	logger *logrus.Entry
	now    func() time.Time
}

// NewHandler serves:
//
//	POST /conversations              route a new or transferred conversation
//	POST /conversations/{id}/close   release a closed conversation
//	GET  /conversations/unassigned   list conversations waiting for an agent
//
// When apiKey is set every request must carry it in the X-API-Key header.
func NewHandler(router Router, apiKey string, logger *logrus.Entry) http.Handler {
	h := &Handler{
		router: router,
		apiKey: apiKey,
		logger: logger.WithField("component", "intake"),
		now:    time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", h.route)
	mux.HandleFunc("POST /conversations/{id}/close", h.close)
	mux.HandleFunc("GET /conversations/unassigned", h.unassigned)
	return h.authorize(mux)
}

type conversationRequest struct {
	ID              string    `json:"id"`
	WorkspaceID     int64     `json:"workspace_id"`
	Channel         string    `json:"channel"`
	TeamID          int64     `json:"team_id"`
	Objective       string    `json:"objective"`
	ContactName     string    `json:"contact_name"`
	ReceivedAt      time.Time `json:"received_at"`
	PreviousAgentID int64     `json:"previous_agent_id"`
}

type decisionResponse struct {
	ConversationID string `json:"conversation_id"`
	WorkspaceID    int64  `json:"workspace_id"`
	Outcome        string `json:"outcome"`
	AgentID        int64  `json:"agent_id,omitempty"`
	TeamID         int64  `json:"team_id,omitempty"`
	RuleID         int64  `json:"rule_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type conversationResponse struct {
	ID          string    `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Channel     string    `json:"channel,omitempty"`
	Objective   string    `json:"objective,omitempty"`
	ContactName string    `json:"contact_name,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	if h.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.apiKey)) != 1 {
			h.logger.WithField("path", r.URL.Path).Warn("Rejected intake request without a valid API key")
			writeJSONError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var body conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if isBodyTooLarge(err) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.WorkspaceID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "workspace_id required")
		return
	}
	body.ID = strings.TrimSpace(body.ID)
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.ReceivedAt.IsZero() {
		body.ReceivedAt = h.now()
	}

	conv := &distribution.Conversation{
		ID:              body.ID,
		WorkspaceID:     body.WorkspaceID,
		Channel:         body.Channel,
		TeamID:          body.TeamID,
		Objective:       body.Objective,
		ContactName:     body.ContactName,
		ReceivedAt:      body.ReceivedAt,
		PreviousAgentID: body.PreviousAgentID,
	}
	d, err := h.router.Route(r.Context(), conv)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"workspace_id":    conv.WorkspaceID,
		}).Error("Failed to route conversation")
		writeJSONError(w, http.StatusInternalServerError, "routing failed")
		return
	}

	status := http.StatusOK
	if d.Outcome == distribution.OutcomeUnassigned {
		status = http.StatusAccepted
	}
	writeJSONStatus(w, status, decisionResponse{
		ConversationID: d.ConversationID,
		WorkspaceID:    d.WorkspaceID,
		Outcome:        string(d.Outcome),
		AgentID:        d.AgentID,
		TeamID:         d.TeamID,
		RuleID:         d.RuleID,
		Reason:         d.Reason,
	})
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "conversation id required")
		return
	}
	h.router.Release(id)
	h.logger.WithField("conversation_id", id).Info("Conversation closed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unassigned(w http.ResponseWriter, _ *http.Request) {
	queued := h.router.Unassigned()
	out := make([]conversationResponse, 0, len(queued))
	for _, c := range queued {
		out = append(out, conversationResponse{
			ID:          c.ID,
			WorkspaceID: c.WorkspaceID,
			Channel:     c.Channel,
			Objective:   c.Objective,
			ContactName: c.ContactName,
			ReceivedAt:  c.ReceivedAt,
		})
	}
	writeJSONStatus(w, http.StatusOK, out)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
