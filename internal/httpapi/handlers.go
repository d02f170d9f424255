// Package httpapi is the upstream-facing surface: queue manipulation, ad hoc
// commands, and condition checks. Device traffic goes through the hub.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"patientq/internal/command"
	"patientq/internal/conditions"
	"patientq/internal/domain"
	"patientq/internal/observability"
	"patientq/internal/store"
	"patientq/internal/util"
)

// TrashWindow is how long a removed message or condition stays restorable.
const TrashWindow = 30 * 24 * time.Hour

type QueueStore interface {
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	InsertMessageAt(ctx context.Context, in store.MessageInsert) error
	TrashMessage(ctx context.Context, id string, trashUntil, now time.Time) (bool, error)
	RestoreMessage(ctx context.Context, id string, now time.Time) (bool, error)
	ReorderMessages(ctx context.Context, queueID string, orders []store.MessagePosition) error
}

type API struct {
	Commands *command.Service
	Queue    QueueStore
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/commands", a.handleCreateCommand)
	mux.HandleFunc("/v1/commands/", a.handleGetCommand) // /v1/commands/{id}
	mux.HandleFunc("/v1/messages", a.handleCreateMessage)
	mux.HandleFunc("/v1/messages/", a.handleGetMessage) // /v1/messages/{id}
	mux.HandleFunc("/v1/messages/remove", a.handleRemoveMessage)
	mux.HandleFunc("/v1/messages/restore", a.handleRestoreMessage)
	mux.HandleFunc("/v1/messages/reorder", a.handleReorderMessages)
	mux.HandleFunc("/v1/conditions/check", a.handleCheckConditions)
}

type createCommandRequest struct {
	ModeratorID string         `json:"moderatorId"`
	MessageID   string         `json:"messageId,omitempty"`
	CommandType string         `json:"commandType"`
	Payload     map[string]any `json:"payload"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

func (a *API) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.APIRequests.WithLabelValues("/v1/commands", "400").Inc()
		http.Error(w, "invalid json", 400)
		return
	}
	if req.ModeratorID == "" || req.CommandType == "" {
		observability.APIRequests.WithLabelValues("/v1/commands", "400").Inc()
		http.Error(w, "missing fields", 400)
		return
	}

	cmd, err := a.Commands.Create(r.Context(), command.CreateParams{
		ModeratorID: req.ModeratorID,
		MessageID:   req.MessageID,
		CommandType: req.CommandType,
		Payload:     req.Payload,
		ExpiresAt:   req.ExpiresAt,
	}, util.NowUTC())
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			observability.APIRequests.WithLabelValues("/v1/commands", "400").Inc()
			http.Error(w, ve.Error(), 400)
			return
		}
		slog.Error("create command failed", "err", err, "moderator_id", req.ModeratorID, "command_type", req.CommandType)
		observability.APIRequests.WithLabelValues("/v1/commands", "502").Inc()
		http.Error(w, err.Error(), 502)
		return
	}

	observability.APIRequests.WithLabelValues("/v1/commands", "201").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(cmd)
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/commands/")
	if id == "" {
		http.Error(w, "missing id", 400)
		return
	}
	cmd, found, err := a.Commands.Get(r.Context(), id)
	if err != nil {
		slog.Error("get command failed", "err", err, "id", id)
		http.Error(w, "db error", 502)
		return
	}
	if !found {
		http.Error(w, "not found", 404)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cmd)
}

type createMessageRequest struct {
	QueueID     string `json:"queueId"`
	PatientID   string `json:"patientId"`
	TemplateID  string `json:"templateId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	ModeratorID string `json:"moderatorId,omitempty"`
	Position    int    `json:"position"`
}

// handleCreateMessage inserts a queued message at the requested position;
// rows at or after it shift down by one.
func (a *API) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.APIRequests.WithLabelValues("/v1/messages", "400").Inc()
		http.Error(w, "invalid json", 400)
		return
	}
	if req.QueueID == "" || req.PatientID == "" || req.Position < 1 {
		observability.APIRequests.WithLabelValues("/v1/messages", "400").Inc()
		http.Error(w, "missing fields", 400)
		return
	}

	id := util.NewMessageID()
	err := a.Queue.InsertMessageAt(r.Context(), store.MessageInsert{
		ID:          id,
		QueueID:     req.QueueID,
		TemplateID:  req.TemplateID,
		PatientID:   req.PatientID,
		SessionID:   req.SessionID,
		ModeratorID: req.ModeratorID,
		Position:    req.Position,
		Now:         util.NowUTC(),
	})
	if err != nil {
		slog.Error("insert message failed", "err", err, "queue_id", req.QueueID)
		observability.APIRequests.WithLabelValues("/v1/messages", "502").Inc()
		http.Error(w, err.Error(), 502)
		return
	}

	observability.APIRequests.WithLabelValues("/v1/messages", "201").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/messages/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "missing id", 400)
		return
	}
	msg, found, err := a.Queue.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("get message failed", "err", err, "id", id)
		http.Error(w, "db error", 502)
		return
	}
	if !found {
		http.Error(w, "not found", 404)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

type messageIDRequest struct {
	MessageID string `json:"messageId"`
}

// handleRemoveMessage soft-deletes: the message moves to trash and stays
// restorable for TrashWindow.
func (a *API) handleRemoveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req messageIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		http.Error(w, "invalid json", 400)
		return
	}
	now := util.NowUTC()
	ok, err := a.Queue.TrashMessage(r.Context(), req.MessageID, now.Add(TrashWindow), now)
	if err != nil {
		slog.Error("trash message failed", "err", err, "id", req.MessageID)
		http.Error(w, "db error", 502)
		return
	}
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleRestoreMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req messageIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		http.Error(w, "invalid json", 400)
		return
	}
	ok, err := a.Queue.RestoreMessage(r.Context(), req.MessageID, util.NowUTC())
	if err != nil {
		slog.Error("restore message failed", "err", err, "id", req.MessageID)
		http.Error(w, "db error", 502)
		return
	}
	if !ok {
		// Unknown, not trashed, or the restore window closed.
		http.Error(w, "not restorable", 404)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type reorderRequest struct {
	QueueID string                  `json:"queueId"`
	Orders  []store.MessagePosition `json:"orders"`
}

func (a *API) handleReorderMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}
	if req.QueueID == "" || len(req.Orders) == 0 {
		http.Error(w, "missing fields", 400)
		return
	}
	for _, o := range req.Orders {
		if o.Position < 1 {
			http.Error(w, "position must be >= 1", 400)
			return
		}
	}

	if err := a.Queue.ReorderMessages(r.Context(), req.QueueID, req.Orders); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, ve.Error(), 400)
			return
		}
		slog.Error("reorder failed", "err", err, "queue_id", req.QueueID)
		http.Error(w, "db error", 502)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type checkConditionsRequest struct {
	Conditions []domain.Condition `json:"conditions"`
}

type checkConditionsResponse struct {
	Valid     bool                  `json:"valid"`
	Conflicts []conditions.Conflict `json:"conflicts"`
}

// handleCheckConditions validates a proposed condition set and reports
// overlaps before upstream saves it.
func (a *API) handleCheckConditions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req checkConditionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}
	for _, c := range req.Conditions {
		if err := conditions.Validate(c); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}

	conflicts := conditions.DetectConflicts(req.Conditions)
	if conflicts == nil {
		conflicts = []conditions.Conflict{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(checkConditionsResponse{
		Valid:     len(conflicts) == 0,
		Conflicts: conflicts,
	})
}
