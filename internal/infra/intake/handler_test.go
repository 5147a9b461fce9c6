package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification_scheduler/internal/app"
	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/distribution"
	"notification_scheduler/internal/infra/configstore"
	"notification_scheduler/internal/infra/memory"
)

const (
	workspace = int64(1)
	team      = int64(100)
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type routerFixture struct {
	statuses *app.AgentStatusService
	router   *app.RoutingService
	server   *httptest.Server
}

func newRouterFixture(t *testing.T, apiKey string) *routerFixture {
	t.Helper()
	store, err := configstore.New(configstore.Document{DistributionRules: []*distribution.Rule{{
		ID: 1, WorkspaceID: workspace, Name: "support", Priority: 10, Active: true,
		TargetTeamID: team, Policy: distribution.PolicyLeastBusy,
	}}})
	require.NoError(t, err)
	roster := memory.NewAgentStore(
		&agent.Agent{ID: 1, WorkspaceID: workspace, FirstName: "Ana", TeamIDs: []int64{team}, IsActive: true},
	)
	f := &routerFixture{}
	f.statuses = app.NewAgentStatusService(memory.NewStatusStore(), store, nil, app.AgentStatusConfig{}, quietLogger())
	f.router = app.NewRoutingService(store, roster, f.statuses, nil, nil, quietLogger())
	f.server = httptest.NewServer(NewHandler(f.router, apiKey, quietLogger()))
	t.Cleanup(f.server.Close)
	return f
}

func post(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeDecision(t *testing.T, resp *http.Response) decisionResponse {
	t.Helper()
	var d decisionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	return d
}

func TestIntakeRoutesAndReleasesConversation(t *testing.T) {
	f := newRouterFixture(t, "")
	require.NoError(t, f.statuses.Connect(context.Background(), workspace, 1))

	resp := post(t, f.server.URL+"/conversations", `{"id":"c1","workspace_id":1,"channel":"whatsapp"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeDecision(t, resp)
	assert.Equal(t, "c1", d.ConversationID)
	assert.Equal(t, string(distribution.OutcomeAgent), d.Outcome)
	assert.Equal(t, int64(1), d.AgentID)
	assert.Equal(t, 1, f.router.Workload(workspace, 1))

	resp = post(t, f.server.URL+"/conversations/c1/close", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, f.router.Workload(workspace, 1))
}

func TestIntakeQueuesWhenNoAgentIsConnected(t *testing.T) {
	f := newRouterFixture(t, "")

	resp := post(t, f.server.URL+"/conversations", `{"workspace_id":1,"contact_name":"Rui"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	d := decodeDecision(t, resp)
	assert.Equal(t, string(distribution.OutcomeUnassigned), d.Outcome)
	assert.NotEmpty(t, d.ConversationID)

	list, err := http.Get(f.server.URL + "/conversations/unassigned")
	require.NoError(t, err)
	defer list.Body.Close()
	var queued []conversationResponse
	require.NoError(t, json.NewDecoder(list.Body).Decode(&queued))
	require.Len(t, queued, 1)
	assert.Equal(t, d.ConversationID, queued[0].ID)
	assert.Equal(t, "Rui", queued[0].ContactName)

	resp = post(t, f.server.URL+"/conversations/"+d.ConversationID+"/close", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.router.Unassigned())
}

func TestIntakeRejectsBadRequests(t *testing.T) {
	f := newRouterFixture(t, "")
	h := NewHandler(f.router, "", quietLogger())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"workspace_id":`, http.StatusBadRequest},
		{"missing workspace", `{"id":"c1"}`, http.StatusBadRequest},
		{"oversized body", `{"objective":"` + strings.Repeat("x", maxRequestBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Empty(t, f.router.Unassigned())
}

func TestIntakeRequiresAPIKey(t *testing.T) {
	f := newRouterFixture(t, "secret")
	body := `{"id":"c1","workspace_id":1}`

	resp := post(t, f.server.URL+"/conversations", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.router.Unassigned())

	resp = post(t, f.server.URL+"/conversations", body, http.Header{"X-Api-Key": []string{"secret"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

type failingRouter struct{}

func (failingRouter) Route(context.Context, *distribution.Conversation) (distribution.Decision, error) {
	return distribution.Decision{}, errors.New("rules unavailable")
}
func (failingRouter) Release(string)                          {}
func (failingRouter) Unassigned() []distribution.Conversation { return nil }

func TestIntakeReportsRoutingFailure(t *testing.T) {
	srv := httptest.NewServer(NewHandler(failingRouter{}, "", quietLogger()))
	defer srv.Close()

	resp := post(t, srv.URL+"/conversations", `{"id":"c1","workspace_id":1}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
