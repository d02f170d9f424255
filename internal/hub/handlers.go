package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"patientq/internal/command"
	"patientq/internal/domain"
	"patientq/internal/lease"
	"patientq/internal/store"
	sqsqueue "patientq/internal/queue/sqs"
)

type MessageStore interface {
	TransitionMessage(ctx context.Context, in store.MessageTransition) (bool, error)
}

type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob) error
}

type API struct {
	Leases   *lease.Manager
	Commands *command.Service
	Messages MessageStore
	Queue    Enqueuer
	Now      func() time.Time
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/hub/register", a.handleRegister).Methods(http.MethodPost)
	mux.HandleFunc("/v1/hub/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	mux.HandleFunc("/v1/hub/status", a.handleHeartbeat).Methods(http.MethodPost)
	mux.HandleFunc("/v1/hub/commands", a.handlePoll).Methods(http.MethodGet)
	mux.HandleFunc("/v1/hub/commands/{id}/ack", a.handleAck).Methods(http.MethodPost)
	mux.HandleFunc("/v1/hub/commands/{id}/complete", a.handleComplete).Methods(http.MethodPost)
	mux.HandleFunc("/v1/hub/commands/{id}/fail", a.handleFail).Methods(http.MethodPost)
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeDomainErr maps the error taxonomy onto HTTP statuses, always inside
// the envelope. A lease failure tells the extension to re-register.
func writeDomainErr(w http.ResponseWriter, err error) {
	var (
		ve *domain.ValidationError
		le *domain.LeaseError
		te *domain.TransitionError
		ee *domain.ExpiryError
	)
	switch {
	case errors.As(err, &le):
		writeErr(w, http.StatusUnauthorized, ErrUnauthorized)
	case errors.As(err, &ve):
		writeErr(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &te):
		writeErr(w, http.StatusConflict, te.Error())
	case errors.As(err, &ee):
		writeErr(w, http.StatusGone, ee.Error())
	default:
		writeErr(w, http.StatusBadGateway, ErrDependency)
	}
}

type registerRequest struct {
	ModeratorID string `json:"moderatorId"`
	DeviceID    string `json:"deviceId"`
	LeaseID     string `json:"leaseId,omitempty"`
	Token       string `json:"token,omitempty"`
}

type leaseView struct {
	ID          string `json:"id"`
	ModeratorID string `json:"moderatorId"`
	DeviceID    string `json:"deviceId"`
	Token       string `json:"token"`
}

type registerResponse struct {
	Success         bool             `json:"success"`
	Reused          bool             `json:"reused"`
	Lease           leaseView        `json:"lease"`
	PendingCommands []domain.Command `json:"pendingCommands"`
}

// handleRegister issues a lease. A caller presenting credentials for a lease
// that is still active and belongs to the same moderator keeps it; anything
// else gets a fresh lease that supersedes the old one.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}

	if req.LeaseID != "" && req.Token != "" {
		l, err := a.Leases.Authenticate(r.Context(), req.LeaseID, req.Token)
		if err == nil && l.ModeratorID == req.ModeratorID {
			pending, err := a.Commands.GetPending(r.Context(), l.ModeratorID)
			if err != nil {
				writeDomainErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, registerResponse{
				Success:         true,
				Reused:          true,
				Lease:           leaseView{ID: l.ID, ModeratorID: l.ModeratorID, DeviceID: l.DeviceID, Token: req.Token},
				PendingCommands: pending,
			})
			return
		}
		var le *domain.LeaseError
		if err != nil && !errors.As(err, &le) {
			writeDomainErr(w, err)
			return
		}
	}

	l, err := a.Leases.Register(r.Context(), req.ModeratorID, req.DeviceID, a.Now())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	// The backlog rides along so a reconnecting device resumes without a
	// separate poll.
	pending, err := a.Commands.GetPending(r.Context(), req.ModeratorID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		Success:         true,
		Lease:           leaseView{ID: l.ID, ModeratorID: l.ModeratorID, DeviceID: l.DeviceID, Token: l.Token},
		PendingCommands: pending,
	})
}

type heartbeatRequest struct {
	LeaseID        string `json:"leaseId"`
	Token          string `json:"token"`
	CurrentURL     string `json:"currentUrl,omitempty"`
	WhatsAppStatus string `json:"whatsAppStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	err := a.Leases.Heartbeat(r.Context(), lease.HeartbeatParams{
		LeaseID:        req.LeaseID,
		Token:          req.Token,
		CurrentURL:     req.CurrentURL,
		WhatsAppStatus: req.WhatsAppStatus,
		LastError:      req.LastError,
	}, a.Now())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

type pollResponse struct {
	Success  bool             `json:"success"`
	Commands []domain.Command `json:"commands"`
}

// handlePoll is the fallback for devices whose group channel is down. Lease
// credentials ride in headers because the body of a GET is off limits to the
// extension's fetch wrapper.
func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	l, err := a.Leases.Authenticate(r.Context(), r.Header.Get("X-Lease-Id"), r.Header.Get("X-Lease-Token"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	cmds, err := a.Commands.GetPending(r.Context(), l.ModeratorID)
	if err != nil {
		slog.Error("poll pending commands failed", "err", err, "moderator_id", l.ModeratorID)
		writeErr(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if cmds == nil {
		cmds = []domain.Command{}
	}
	writeJSON(w, http.StatusOK, pollResponse{Success: true, Commands: cmds})
}

type commandRequest struct {
	LeaseID      string         `json:"leaseId"`
	Token        string         `json:"token"`
	ResultStatus string         `json:"resultStatus,omitempty"`
	ResultData   map[string]any `json:"resultData,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// authCommand authenticates the lease and loads the command, checking the
// command belongs to the lease's moderator.
func (a *API) authCommand(r *http.Request) (domain.Command, commandRequest, error) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.Command{}, req, &domain.ValidationError{Field: "body", Reason: ErrInvalidJSON}
	}
	l, err := a.Leases.Authenticate(r.Context(), req.LeaseID, req.Token)
	if err != nil {
		return domain.Command{}, req, err
	}
	id := mux.Vars(r)["id"]
	cmd, found, err := a.Commands.Get(r.Context(), id)
	if err != nil {
		return domain.Command{}, req, err
	}
	if !found {
		return domain.Command{}, req, &domain.ValidationError{Field: "commandId", Reason: ErrNotFound}
	}
	if cmd.ModeratorID != l.ModeratorID {
		return domain.Command{}, req, &domain.LeaseError{LeaseID: l.ID, Reason: "command belongs to another moderator"}
	}
	return cmd, req, nil
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	cmd, _, err := a.authCommand(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := a.Commands.Acknowledge(r.Context(), cmd.ID, a.Now()); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// handleComplete records the device's outcome and finishes the message
// behind the command.
func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	cmd, req, err := a.authCommand(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	now := a.Now()
	if err := a.Commands.Complete(r.Context(), cmd.ID, req.ResultStatus, req.ResultData, now); err != nil {
		writeDomainErr(w, err)
		return
	}
	if cmd.MessageID != "" {
		ok, err := a.Messages.TransitionMessage(r.Context(), store.MessageTransition{
			ID:   cmd.MessageID,
			From: domain.MessageSending,
			To:   domain.MessageSent,
			Now:  now,
		})
		if err != nil {
			slog.Error("finish message failed", "err", err, "message_id", cmd.MessageID)
		} else if !ok {
			slog.Warn("message not in sending at completion", "message_id", cmd.MessageID, "command_id", cmd.ID)
		}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// handleFail records a device-reported failure. If retry budget remains a
// fresh command is created and enqueued; otherwise the message fails.
func (a *API) handleFail(w http.ResponseWriter, r *http.Request) {
	cmd, req, err := a.authCommand(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	now := a.Now()
	if err := a.Commands.Fail(r.Context(), cmd.ID, req.Reason, now); err != nil {
		writeDomainErr(w, err)
		return
	}

	if command.CanRetry(cmd.RetryCount) {
		retry, err := a.Commands.RetryFrom(r.Context(), cmd, now)
		if err != nil {
			slog.Error("retry after device failure", "err", err, "command_id", cmd.ID)
			a.failMessage(r.Context(), cmd.MessageID, now)
			writeJSON(w, http.StatusOK, envelope{Success: true})
			return
		}
		if err := a.Queue.EnqueueDispatch(r.Context(), sqsqueue.DispatchJob{
			CommandID:   retry.ID,
			ModeratorID: retry.ModeratorID,
			MessageID:   retry.MessageID,
		}); err != nil {
			slog.Warn("enqueue retry failed, sweep will redrive", "err", err, "command_id", retry.ID)
		}
		writeJSON(w, http.StatusOK, envelope{Success: true})
		return
	}

	a.failMessage(r.Context(), cmd.MessageID, now)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (a *API) failMessage(ctx context.Context, messageID string, now time.Time) {
	if messageID == "" {
		return
	}
	if _, err := a.Messages.TransitionMessage(ctx, store.MessageTransition{
		ID:   messageID,
		From: domain.MessageSending,
		To:   domain.MessageFailed,
		Now:  now,
	}); err != nil {
		slog.Error("fail message", "err", err, "message_id", messageID)
	}
}
