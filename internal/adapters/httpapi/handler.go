// Package httpapi is the HTTP acceptance surface: it validates transfer
// requests, persists them as sagas and answers status queries. All real
// work happens asynchronously behind the outbox.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	sagasdb "ferryman/internal/db/sagas"
	"ferryman/internal/realtime"
	"ferryman/internal/transfer"
)

// SagaCreator atomically persists a new saga and its start intent.
type SagaCreator interface {
	CreateSaga(ctx context.Context, id uuid.UUID, data any, dataType string) error
}

// StatusReader serves the saga status read model.
type StatusReader interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*sagasdb.Status, error)
}

// Handler carries the acceptance endpoints.
type Handler struct {
	sagas     SagaCreator
	status    StatusReader
	stepNames []string
	hub       *realtime.Hub
	log       *logrus.Entry
	upgrader  websocket.Upgrader
}

// NewHandler constructs a Handler. stepNames is the transfer step list in
// declaration order, used to answer CurrentStep; hub may be nil to
// disable the websocket endpoint.
func NewHandler(sagas SagaCreator, status StatusReader, stepNames []string, hub *realtime.Hub, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		sagas:     sagas,
		status:    status,
		stepNames: stepNames,
		hub:       hub,
		log:       log,
	}
}

type transferRequest struct {
	FromUserID string `json:"FromUserId"`
	ToUserID   string `json:"ToUserId"`
	Amount     int64  `json:"Amount"`
}

func (r transferRequest) validate() error {
	if r.FromUserID == "" || r.ToUserID == "" {
		return errors.New("FromUserId and ToUserId are required")
	}
	if r.FromUserID == r.ToUserID {
		return errors.New("FromUserId and ToUserId must differ")
	}
	if r.Amount <= 0 {
		return errors.New("Amount must be positive")
	}
	return nil
}

type transferAccepted struct {
	SagaID string `json:"SagaId"`
	Status string `json:"Status"`
}

type transferStatus struct {
	SagaID      string   `json:"SagaId"`
	State       string   `json:"State"`
	CurrentStep string   `json:"CurrentStep,omitempty"`
	Errors      []string `json:"Errors"`
}

type errorResponse struct {
	Error string `json:"Error"`
}

// CreateTransfer accepts a transfer request and queues a saga for it.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id := uuid.New()
	data := transfer.NewData(id, req.FromUserID, req.ToUserID, req.Amount)
	if err := h.sagas.CreateSaga(r.Context(), id, data, transfer.DataType); err != nil {
		h.log.WithError(err).Error("create saga failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not accept transfer"})
		return
	}

	w.Header().Set("Location", "/sagas/"+id.String())
	writeJSON(w, http.StatusAccepted, transferAccepted{SagaID: id.String(), Status: "Queued"})
}

// GetTransfer answers the status of one saga.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid saga id"})
		return
	}

	status, err := h.status.GetStatus(r.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("saga_id", id).Error("status read failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not read status"})
		return
	}
	if status == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "saga not found"})
		return
	}

	resp := transferStatus{
		SagaID: status.ID.String(),
		State:  string(status.State),
		Errors: status.Errors,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if status.State.IsForward() && status.Cursor < len(h.stepNames) {
		resp.CurrentStep = h.stepNames[status.Cursor]
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeWS upgrades the request and registers the connection with the
// realtime hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "realtime updates disabled", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.hub.Register <- conn
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
