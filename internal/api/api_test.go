package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/groupd/internal/api"
	"github.com/dokzlo13/groupd/internal/db"
	"github.com/dokzlo13/groupd/internal/device"
	"github.com/dokzlo13/groupd/internal/group"
	"github.com/dokzlo13/groupd/internal/storage"
)

// testServer serves a real group manager over a memory registry and a
// sqlite store
type testServer struct {
	handler http.Handler
	devices *device.Memory
	manager *group.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conn, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "api.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store := storage.NewStore(conn.DB)

	devices := device.NewMemory()
	devices.Add(device.Device{ID: "lamp-1", Name: "Lamp 1", Class: "light", Ready: true}, map[string]any{"onoff": true, "dim": 0.25})
	devices.Add(device.Device{ID: "lamp-2", Name: "Lamp 2", Class: "light", Ready: true}, map[string]any{"onoff": false, "dim": 0.75})
	devices.Add(device.Device{ID: "plug-1", Name: "Plug", Class: "socket", Ready: true}, map[string]any{"onoff": false})

	m := group.NewManager(group.ManagerConfig{
		Options: group.Options{
			Registry:       devices,
			AuditInterval:  time.Minute,
			ResolveTimeout: time.Second,
			WriteTimeout:   time.Second,
		},
		Defaults: group.Settings{WriteRetries: 2, LogLevel: "info"},
	},
		storage.NewTypedStore[group.Record](store, storage.KindGroup),
		storage.NewTypedStore[group.Values](store, storage.KindGroupValues),
		nil,
	)
	require.NoError(t, m.Start(context.Background(), devices))
	t.Cleanup(m.Stop)

	return &testServer{handler: api.NewRouter(m, nil), devices: devices, manager: m}
}

func (ts *testServer) request(method, path string, body any) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) createGroup(t *testing.T) group.Snapshot {
	t.Helper()
	rr := ts.request(http.MethodPost, "/api/v1/groups", map[string]any{
		"name":         "Living room",
		"capabilities": []string{"onoff", "dim"},
		"devices":      []string{"lamp-1", "lamp-2"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var snap group.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	return snap
}

func (ts *testServer) getGroup(t *testing.T, id string) group.Snapshot {
	t.Helper()
	rr := ts.request(http.MethodGet, "/api/v1/groups/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var snap group.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	return snap
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())

	rr = ts.request(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyReportsStarting(t *testing.T) {
	h := api.NewRouter(nil, func() bool { return false })
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCreateAndAggregate(t *testing.T) {
	ts := newTestServer(t)
	snap := ts.createGroup(t)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "light", snap.Class)
	assert.Equal(t, []string{"lamp-1", "lamp-2"}, snap.Store.Devices)
	assert.Equal(t, "mean", snap.Settings.Methods["dim"])

	require.Eventually(t, func() bool {
		got := ts.getGroup(t, snap.ID)
		return got.Values["dim"] == 0.5 && got.Values["onoff"] == true
	}, 2*time.Second, 10*time.Millisecond)

	rr := ts.request(http.MethodGet, "/api/v1/groups", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Groups []group.Snapshot `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Groups, 1)
	assert.Equal(t, snap.ID, list.Groups[0].ID)
}

func TestCreateRejectsUnknownDevice(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.request(http.MethodPost, "/api/v1/groups", map[string]any{
		"name":         "Broken",
		"capabilities": []string{"onoff"},
		"devices":      []string{"ghost"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "ghost")
}

func TestUnknownGroupIs404(t *testing.T) {
	ts := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/groups/nope"},
		{http.MethodDelete, "/api/v1/groups/nope"},
	} {
		rr := ts.request(tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, tc.method)
	}
	rr := ts.request(http.MethodPut, "/api/v1/groups/nope/settings", map[string]any{"methods": map[string]string{}})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateSettingsAndMembership(t *testing.T) {
	ts := newTestServer(t)
	snap := ts.createGroup(t)

	rr := ts.request(http.MethodPatch, "/api/v1/groups/"+snap.ID, map[string]any{"name": "Lounge"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Lounge", ts.getGroup(t, snap.ID).Name)

	rr = ts.request(http.MethodPut, "/api/v1/groups/"+snap.ID+"/settings", map[string]any{
		"methods":       map[string]string{"onoff": "and", "dim": "max"},
		"write_retries": 1,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Eventually(t, func() bool {
		got := ts.getGroup(t, snap.ID)
		return got.Values["dim"] == 0.75 && got.Values["onoff"] == false
	}, 2*time.Second, 10*time.Millisecond)

	rr = ts.request(http.MethodPut, "/api/v1/groups/"+snap.ID+"/settings", map[string]any{
		"methods": map[string]string{"dim": "average"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.request(http.MethodPut, "/api/v1/groups/"+snap.ID+"/membership", map[string]any{
		"devices":   []string{"lamp-1"},
		"supported": map[string][]string{"onoff": {"lamp-1"}, "dim": {"lamp-1"}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := ts.getGroup(t, snap.ID)
	assert.Equal(t, []string{"lamp-1"}, got.Store.Devices)

	rr = ts.request(http.MethodPut, "/api/v1/groups/"+snap.ID+"/membership", map[string]any{
		"devices":   []string{"lamp-1"},
		"supported": map[string][]string{"dim": {"lamp-2"}},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWriteCapabilitiesPropagates(t *testing.T) {
	ts := newTestServer(t)
	snap := ts.createGroup(t)

	require.Eventually(t, func() bool {
		return len(ts.getGroup(t, snap.ID).Instances) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rr := ts.request(http.MethodPost, "/api/v1/groups/"+snap.ID+"/capabilities", map[string]any{
		"values":  map[string]any{"dim": 1.0},
		"options": map[string]any{"dim": map[string]any{"duration": 400}},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool {
		a, _ := ts.devices.Value("lamp-1", "dim")
		b, _ := ts.devices.Value("lamp-2", "dim")
		return a == 1.0 && b == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	rr = ts.request(http.MethodPost, "/api/v1/groups/"+snap.ID+"/capabilities", map[string]any{
		"values": map[string]any{"volume": 3},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.request(http.MethodPost, "/api/v1/groups/"+snap.ID+"/capabilities", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteGroup(t *testing.T) {
	ts := newTestServer(t)
	snap := ts.createGroup(t)

	rr := ts.request(http.MethodDelete, "/api/v1/groups/"+snap.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.request(http.MethodGet, "/api/v1/groups/"+snap.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEligibleDevices(t *testing.T) {
	ts := newTestServer(t)
	ts.devices.SetReady("lamp-2", false)

	rr := ts.request(http.MethodGet, "/api/v1/devices?class=light", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var devices []device.Device
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "lamp-1", devices[0].ID)

	rr = ts.request(http.MethodGet, "/api/v1/devices?class=light&selected=lamp-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &devices))
	assert.Len(t, devices, 2)

	rr = ts.request(http.MethodGet, "/api/v1/devices", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &devices))
	assert.Len(t, devices, 2)
}

func TestRejectsNonJSONBody(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/groups", bytes.NewReader([]byte("name=x")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}
