package httpx_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velmie/saga"
	"github.com/velmie/saga/httpx"
)

func newTestServer(t *testing.T) (*httptest.Server, *saga.MemoryStore) {
	t.Helper()

	registry := saga.NewRegistry()
	registry.MustRegister(saga.Definition{
		Name:    "order",
		Version: 1,
		Steps: []saga.StepSpec{
			{Name: "reserve", CommandType: "inventory.reserve", CompensationType: "inventory.release"},
			{Name: "charge", CommandType: "payment.charge", CompensationType: "payment.refund"},
		},
	})

	store := saga.NewMemoryStore(nil)
	orchestrator := saga.NewOrchestrator(registry, store)
	server := httptest.NewServer(httpx.NewRouter(httpx.NewHandler(orchestrator, nil)))
	t.Cleanup(server.Close)

	return server, store
}

func TestStartSaga(t *testing.T) {
	server, store := newTestServer(t)

	body := `{"definition":"order","version":1,"payload":{"order_id":42}}`
	resp, err := http.Post(server.URL+"/sagas", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started httpx.StartSagaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.SagaID)

	// Step 0 was dispatched through the outbox.
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, started.SagaID, msgs[0].PartitionKey)
}

func TestStartSagaValidation(t *testing.T) {
	server, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing definition", `{"version":1}`, http.StatusBadRequest},
		{"unknown definition", `{"definition":"nope","version":1}`, http.StatusNotFound},
		{"unknown version", `{"definition":"order","version":9}`, http.StatusNotFound},
		{"malformed payload", `{"definition":"order","version":1,"payload":{]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/sagas", "application/json", bytes.NewBufferString(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestGetSaga(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/sagas", "application/json",
		bytes.NewBufferString(`{"definition":"order","version":1}`))
	require.NoError(t, err)
	var started httpx.StartSagaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/sagas/" + started.SagaID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status httpx.SagaStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, started.SagaID, status.SagaID)
	require.Equal(t, "order/v1", status.Definition)
	require.Equal(t, string(saga.StatusRunning), status.Status)
	require.Len(t, status.History, 1)
	require.Equal(t, string(saga.Forward), status.History[0].Direction)
}

func TestGetSagaNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/sagas/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelSaga(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/sagas", "application/json",
		bytes.NewBufferString(`{"definition":"order","version":1}`))
	require.NoError(t, err)
	var started httpx.StartSagaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()

	resp, err = http.Post(server.URL+"/sagas/"+started.SagaID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(server.URL + "/sagas/" + started.SagaID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status httpx.SagaStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, string(saga.StatusCompensating), status.Status)
}

func TestCancelSagaNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/sagas/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
