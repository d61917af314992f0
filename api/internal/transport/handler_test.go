package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/you-humble/taskdispatch/core/broker"
	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsecase struct {
	submitResp   domain.SubmitResponse
	submitErr    error
	statusResp   domain.StatusResponse
	statusErr    error
	deleteErr    error
	republishErr error
	panicOn      string

	lastDescription string
	lastID          string
}

func (f *fakeUsecase) Submit(_ context.Context, description string) (domain.SubmitResponse, error) {
	f.lastDescription = description
	return f.submitResp, f.submitErr
}

func (f *fakeUsecase) Status(_ context.Context, id string) (domain.StatusResponse, error) {
	if f.panicOn == "status" {
		panic("boom")
	}
	f.lastID = id
	return f.statusResp, f.statusErr
}

func (f *fakeUsecase) Delete(_ context.Context, id string) error {
	f.lastID = id
	return f.deleteErr
}

func (f *fakeUsecase) Republish(_ context.Context, id string) error {
	f.lastID = id
	return f.republishErr
}

type fixedState broker.State

func (s fixedState) State() broker.State { return broker.State(s) }

func serve(t *testing.T, uc Usecase, state broker.State, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	routes := NewRouter(NewHandler(0, uc, fixedState(state))).Routes()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSubmit(t *testing.T) {
	uc := &fakeUsecase{submitResp: domain.SubmitResponse{
		Message: "Task submitted",
		TaskID:  "T1",
		Status:  domain.StatusPending,
		Queued:  true,
	}}

	rec := serve(t, uc, broker.StateConnected, http.MethodPost, "/api/tasks", `{"description":"Process analytics"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Process analytics", uc.lastDescription)

	resp := decode[domain.SubmitResponse](t, rec)
	assert.Equal(t, "T1", resp.TaskID)
	assert.Equal(t, domain.StatusPending, resp.Status)
	assert.True(t, resp.Queued)
}

func TestSubmit_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"not json", `description=x`, nil},
		{"missing description", `{}`, nil},
		{"blank description", `{"description":"   "}`, domain.ErrEmptyDescription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := &fakeUsecase{submitErr: tt.err}
			rec := serve(t, uc, broker.StateConnected, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmit_StoreFailure(t *testing.T) {
	uc := &fakeUsecase{submitErr: errors.New("create task: db down")}

	rec := serve(t, uc, broker.StateConnected, http.MethodPost, "/api/tasks", `{"description":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatus(t *testing.T) {
	uc := &fakeUsecase{statusResp: domain.StatusResponse{
		TaskID: "T1",
		Status: domain.StatusCompleted,
		Source: domain.SourceCache,
	}}

	for _, path := range []string{"/api/tasks/T1/status", "/api/tasks/T1"} {
		rec := serve(t, uc, broker.StateConnected, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "T1", uc.lastID)

		resp := decode[domain.StatusResponse](t, rec)
		assert.Equal(t, domain.StatusCompleted, resp.Status)
		assert.Equal(t, domain.SourceCache, resp.Source)
	}
}

func TestStatus_Errors(t *testing.T) {
	uc := &fakeUsecase{statusErr: domain.ErrTaskNotFound}
	rec := serve(t, uc, broker.StateConnected, http.MethodGet, "/api/tasks/nope/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	uc = &fakeUsecase{statusErr: errors.New("load task: timeout")}
	rec = serve(t, uc, broker.StateConnected, http.MethodGet, "/api/tasks/x/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDelete(t *testing.T) {
	uc := &fakeUsecase{}
	rec := serve(t, uc, broker.StateConnected, http.MethodDelete, "/api/tasks/T1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "T1", decode[domain.DeleteResponse](t, rec).TaskID)

	uc = &fakeUsecase{deleteErr: domain.ErrTaskNotFound}
	rec = serve(t, uc, broker.StateConnected, http.MethodDelete, "/api/tasks/T1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepublish(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusAccepted},
		{domain.ErrTaskNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: completed", domain.ErrTaskNotPending), http.StatusConflict},
		{fmt.Errorf("enqueue task: %w", broker.ErrBrokerUnavailable), http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		uc := &fakeUsecase{republishErr: tt.err}
		rec := serve(t, uc, broker.StateConnected, http.MethodPost, "/api/tasks/T1/republish", "")
		assert.Equal(t, tt.want, rec.Code, "err=%v", tt.err)
	}
}

func TestHealth(t *testing.T) {
	rec := serve(t, &fakeUsecase{}, broker.StateConnected, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decode[healthResponse](t, rec).Broker)

	rec = serve(t, &fakeUsecase{}, broker.StateConnecting, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	uc := &fakeUsecase{panicOn: "status"}
	rec := serve(t, uc, broker.StateConnected, http.MethodGet, "/api/tasks/T1/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(t, &fakeUsecase{}, broker.StateConnected, http.MethodPut, "/api/tasks/T1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
