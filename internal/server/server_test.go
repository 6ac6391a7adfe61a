package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/engine/auth"
	"coordline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actorID string, role auth.Role) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, role, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func seedProvider(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/providers/"+id, map[string]any{
		"name":          "Provider " + id,
		"service_types": []string{"plumbing"},
		"verified":      true,
		"active":        true,
	}, bearer(t, "directory", auth.RoleSystem))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestHealthAndAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	// actor headers are ignored unless explicitly enabled
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{"X-Actor-Id": "x", "X-Actor-Role": "admin"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/requests/{id}/assign")
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProvider(t, srv, "P1")
	c := srv.Client()
	desk := bearer(t, "coord-1", auth.RoleCoordinator)
	client := bearer(t, "client-1", auth.RoleClient)
	p1 := bearer(t, "P1", auth.RoleProvider)

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"service_type": "plumbing",
		"location":     "12 Harbour St",
		"priority":     "urgent",
	}, client)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var sr domain.ServiceRequest
	require.NoError(t, json.Unmarshal(data, &sr))
	assert.Equal(t, "client-1", sr.ClientID)
	assert.Equal(t, domain.StatusSubmitted, sr.Status)
	base := srv.URL + "/v1/requests/" + sr.ID

	res, data = doJSON(t, c, http.MethodPost, base+"/confirm", nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodGet, base, nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var detail engine.RequestDetail
	require.NoError(t, json.Unmarshal(data, &detail))
	require.Len(t, detail.Candidates, 1)
	assert.Equal(t, "P1", detail.Candidates[0].Provider.ID)

	res, data = doJSON(t, c, http.MethodPost, base+"/assign", map[string]any{"provider_id": "P1"}, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var assigned engine.AssignmentResult
	require.NoError(t, json.Unmarshal(data, &assigned))
	assert.Equal(t, domain.StatusAssigned, assigned.Request.Status)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/assignments/"+assigned.Assignment.ID+"/response",
		map[string]any{"response": "accepted"}, p1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodPost, base+"/start", nil, p1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodPost, base+"/complete", map[string]any{"notes": "valve replaced", "quality_score": 5}, p1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodPost, base+"/verify", map[string]any{"satisfaction_score": 5}, client)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &sr))
	assert.Equal(t, domain.StatusVerified, sr.Status)
	assert.True(t, sr.CompletionVerified)

	res, data = doJSON(t, c, http.MethodPost, base+"/notes", map[string]any{"text": "thanks!"}, client)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/providers/leaderboard", nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var board LeaderboardResponse
	require.NoError(t, json.Unmarshal(data, &board))
	require.Len(t, board.Items, 1)
	assert.Equal(t, 1, board.Items[0].TotalCompleted)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/dashboard", nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dash engine.Dashboard
	require.NoError(t, json.Unmarshal(data, &dash))
	assert.Equal(t, 1, dash.StatusCounts[domain.StatusVerified])
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProvider(t, srv, "P1")
	c := srv.Client()
	desk := bearer(t, "coord-1", auth.RoleCoordinator)

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"client_id": "client-1", "service_type": "plumbing",
	}, desk)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var sr domain.ServiceRequest
	require.NoError(t, json.Unmarshal(data, &sr))
	base := srv.URL + "/v1/requests/" + sr.ID

	// illegal transition
	res, data = doJSON(t, c, http.MethodPost, base+"/start", nil, desk)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "state_conflict", apiErr.Code)
	assert.Equal(t, "submitted", apiErr.Details["status"])

	// engine validation
	res, data = doJSON(t, c, http.MethodPost, base+"/escalate", map[string]any{"reason": " "}, desk)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "reason", decodeError(t, data).Details["field"])

	// schema validation
	res, data = doJSON(t, c, http.MethodPost, base+"/priority", map[string]any{"priority": "asap"}, desk)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	// role
	res, data = doJSON(t, c, http.MethodPost, base+"/confirm", nil, bearer(t, "P1", auth.RoleProvider))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, auth.PermRequestConfirm, decodeError(t, data).Details["permission"])

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/dashboard", nil, bearer(t, "client-1", auth.RoleClient))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	// unknown ids
	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/requests/missing/confirm", nil, desk)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	res, _ = doJSON(t, c, http.MethodPost, base+"/assign", map[string]any{"provider_id": "ghost"}, desk)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	// another client's request looks missing
	res, _ = doJSON(t, c, http.MethodGet, base, nil, bearer(t, "client-2", auth.RoleClient))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPipelineScopingAndPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()
	desk := bearer(t, "coord-1", auth.RoleCoordinator)
	for _, clientID := range []string{"client-1", "client-2", "client-1"} {
		res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
			"client_id": clientID, "service_type": "plumbing",
		}, desk)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data := doJSON(t, c, http.MethodGet, srv.URL+"/v1/requests?limit=2", nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page engine.Pipeline
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/requests?cursor="+page.NextCursor, nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var last engine.Pipeline
	require.NoError(t, json.Unmarshal(data, &last))
	assert.Len(t, last.Items, 1)
	assert.Empty(t, last.NextCursor)

	// a client only ever sees its own requests, whatever it asks for
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/requests?client_id=client-2", nil, bearer(t, "client-1", auth.RoleClient))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = engine.Pipeline{}
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 2)
	for _, item := range page.Items {
		assert.Equal(t, "client-1", item.Request.ClientID)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/requests?status=submitted,cancelled", nil, desk)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = engine.Pipeline{}
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 3)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()

	body := map[string]any{"actor_id": "directory", "role": "system", "name": "directory sync"}
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/api-keys", body, bearer(t, "coord-1", auth.RoleCoordinator))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/api-keys", body, bearer(t, "root", auth.RoleAdmin))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var key APIKeyResponse
	require.NoError(t, json.Unmarshal(data, &key))
	require.NotEmpty(t, key.Key)

	res, data = doJSON(t, c, http.MethodPut, srv.URL+"/v1/providers/P9", map[string]any{
		"name": "Nine", "service_types": []string{"hvac"}, "verified": true, "active": false,
	}, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p domain.Provider
	require.NoError(t, json.Unmarshal(data, &p))
	assert.False(t, p.Eligible())

	// a system key cannot assign
	res, _ = doJSON(t, c, http.MethodPost, srv.URL+"/v1/requests/any/assign", map[string]any{"provider_id": "P9"}, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{"X-Api-Key": "cl_wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSignTokenRejectsUnknownRole(t *testing.T) {
	_, err := SignToken(testSecret, "x", auth.Role("root"), time.Hour)
	require.Error(t, err)
	_, err = SignToken("", "x", auth.RoleAdmin, time.Hour)
	require.Error(t, err)
}
