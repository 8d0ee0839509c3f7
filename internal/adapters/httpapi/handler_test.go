package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	sagasdb "ferryman/internal/db/sagas"
	"ferryman/internal/saga"
	"ferryman/internal/transfer"
)

type fakeSagas struct {
	created []uuid.UUID
	err     error
}

func (f *fakeSagas) CreateSaga(_ context.Context, id uuid.UUID, _ any, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, id)
	return nil
}

type fakeStatus struct {
	status *sagasdb.Status
	err    error
}

func (f *fakeStatus) GetStatus(context.Context, uuid.UUID) (*sagasdb.Status, error) {
	return f.status, f.err
}

func newTestRouter(sagas *fakeSagas, status *fakeStatus) http.Handler {
	h := NewHandler(sagas, status, transfer.StepNames(), nil, nil)
	return NewRouter(h, nil, nil)
}

func TestCreateTransfer_Accepted(t *testing.T) {
	sagas := &fakeSagas{}
	router := newTestRouter(sagas, &fakeStatus{})

	body := `{"FromUserId":"U1","ToUserId":"U2","Amount":77700}`
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SagaID string `json:"SagaId"`
		Status string `json:"Status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "Queued" {
		t.Fatalf("Status = %s, want Queued", resp.Status)
	}
	if len(sagas.created) != 1 || sagas.created[0].String() != resp.SagaID {
		t.Fatalf("created = %v, response id = %s", sagas.created, resp.SagaID)
	}
	if loc := rec.Header().Get("Location"); loc != "/sagas/"+resp.SagaID {
		t.Fatalf("Location = %s", loc)
	}
}

func TestCreateTransfer_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing users", `{"Amount":100}`},
		{"same user", `{"FromUserId":"U1","ToUserId":"U1","Amount":100}`},
		{"zero amount", `{"FromUserId":"U1","ToUserId":"U2","Amount":0}`},
		{"negative amount", `{"FromUserId":"U1","ToUserId":"U2","Amount":-5}`},
		{"broken json", `{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sagas := &fakeSagas{}
			router := newTestRouter(sagas, &fakeStatus{})

			req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if len(sagas.created) != 0 {
				t.Fatalf("invalid request created a saga")
			}
		})
	}
}

func TestGetTransfer_ReportsCurrentStep(t *testing.T) {
	id := uuid.New()
	status := &fakeStatus{status: &sagasdb.Status{
		ID:       id,
		State:    saga.StateRunning,
		Cursor:   1,
		DataType: transfer.DataType,
	}}
	router := newTestRouter(&fakeSagas{}, status)

	req := httptest.NewRequest(http.MethodGet, "/transfers/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		SagaID      string   `json:"SagaId"`
		State       string   `json:"State"`
		CurrentStep string   `json:"CurrentStep"`
		Errors      []string `json:"Errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "Running" || resp.CurrentStep != "CreditReceiver" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Errors == nil || len(resp.Errors) != 0 {
		t.Fatalf("Errors = %v, want empty array", resp.Errors)
	}
}

func TestGetTransfer_TerminalSagaHasNoCurrentStep(t *testing.T) {
	id := uuid.New()
	status := &fakeStatus{status: &sagasdb.Status{
		ID:     id,
		State:  saga.StateCompensated,
		Cursor: 1,
		Errors: []string{"CreditReceiver: rejected"},
	}}
	router := newTestRouter(&fakeSagas{}, status)

	req := httptest.NewRequest(http.MethodGet, "/sagas/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp struct {
		CurrentStep string   `json:"CurrentStep"`
		Errors      []string `json:"Errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CurrentStep != "" {
		t.Fatalf("CurrentStep = %s, want empty", resp.CurrentStep)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("Errors = %v", resp.Errors)
	}
}

func TestGetTransfer_NotFound(t *testing.T) {
	router := newTestRouter(&fakeSagas{}, &fakeStatus{status: nil})

	req := httptest.NewRequest(http.MethodGet, "/transfers/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetTransfer_InvalidID(t *testing.T) {
	router := newTestRouter(&fakeSagas{}, &fakeStatus{})

	req := httptest.NewRequest(http.MethodGet, "/transfers/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(&fakeSagas{}, &fakeStatus{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
