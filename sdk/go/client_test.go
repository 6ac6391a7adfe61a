package coordlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRequestSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "req-1", "status": "submitted", "sla_stage": "confirmation"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	sr, err := c.CreateRequest(context.Background(), CreateRequestInput{ServiceType: "plumbing", Priority: "urgent"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", sr.ID)
	assert.Equal(t, "submitted", sr.Status)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/requests", gotPath)
	assert.Equal(t, "plumbing", gotBody["service_type"])
	assert.Equal(t, "urgent", gotBody["priority"])
}

func TestListRequestsEncodesFilter(t *testing.T) {
	var gotQuery map[string][]string
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"request": map[string]any{"id": "req-2"}, "effective_sla": "at_risk"}},
			"next_cursor": "c1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "cl_abc"
	page, err := c.ListRequests(context.Background(), ListFilter{Statuses: []string{"submitted", "confirmed"}, Escalated: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "req-2", page.Items[0].Request.ID)
	assert.Equal(t, "at_risk", page.Items[0].EffectiveSLA)
	assert.Equal(t, "c1", page.NextCursor)
	assert.Equal(t, "cl_abc", gotKey)
	assert.Equal(t, []string{"submitted,confirmed"}, gotQuery["status"])
	assert.Equal(t, []string{"true"}, gotQuery["escalated"])
	assert.Equal(t, []string{"10"}, gotQuery["limit"])
}

func TestRespondPath(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request":    map[string]any{"id": "req-1", "status": "confirmed"},
			"assignment": map[string]any{"id": "asg-1", "provider_response": "declined"},
		})
	}))
	defer srv.Close()

	res, err := New(srv.URL).Respond(context.Background(), "asg-1", "declined", "busy")
	require.NoError(t, err)
	assert.Equal(t, "/v1/assignments/asg-1/response", gotPath)
	assert.Equal(t, "declined", gotBody["response"])
	assert.Equal(t, "busy", gotBody["decline_reason"])
	assert.Equal(t, "confirmed", res.Request.Status)
	assert.Equal(t, "declined", res.Assignment.ProviderResponse)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"state_conflict","message":"request is verified"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Cancel(context.Background(), "req-1", "changed mind")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "state_conflict", apiErr.Code)
	assert.Equal(t, "request is verified", apiErr.Message)
}

func TestLeaderboardWindow(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"window_days": 30,
			"items":       []map[string]any{{"rank": 1, "provider_id": "P1", "reliability_score": 88}},
		})
	}))
	defer srv.Close()

	items, err := New(srv.URL).Leaderboard(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "window_days=30", gotQuery)
	assert.Equal(t, 1, items[0].Rank)
	assert.Equal(t, "P1", items[0].ProviderID)
	assert.Equal(t, 88, items[0].ReliabilityScore)
}
