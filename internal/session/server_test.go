package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/pkg/types"
)

func newTestServer(t *testing.T, authRequired bool) (*Server, *stack) {
	t.Helper()
	st := newStack(t)
	auth := NewAuthenticator(testSecret, authRequired)
	defaultAgent, err := st.registry.Resolve("athena")
	require.NoError(t, err)
	if authRequired {
		defaultAgent = nil
	}
	return NewServer(st.manager, st.router, st.registry, auth, defaultAgent, zap.NewNop()), st
}

func TestRESTToolCall(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body := bytes.NewBufferString(`{"content": "rest transport note"}`)
	resp, err := http.Post(ts.URL+"/api/v1/tools/create_memory", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var frame Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	require.Nil(t, frame.Error)

	var m types.Memory
	require.NoError(t, json.Unmarshal(frame.Result, &m))
	assert.Equal(t, "athena-conductor", m.OwnerID)
}

func TestRESTUnknownToolStatus(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/v1/tools/no_such_tool", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var frame Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(types.KindUnknownTool), frame.Error.Code)
}

func TestRESTRequiresAuthInProduction(t *testing.T) {
	srv, st := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// No token: rejected.
	resp, err := http.Post(ts.URL+"/api/v1/tools/get_agent_info", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A signed token for a known agent passes.
	_, err = st.registry.Register(context.Background(), types.AgentSpec{AgentID: "api-client", Namespace: "teamA"}, false)
	require.NoError(t, err)
	auth := NewAuthenticator(testSecret, true)
	token, err := auth.Issue("api-client", types.AccessStandard)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/tools/get_agent_info", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var frame Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	var agent types.Agent
	require.NoError(t, json.Unmarshal(frame.Result, &agent))
	assert.Equal(t, "api-client", agent.AgentID)
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/mcp"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := `{"id": "1", "tool": "get_current_agent"}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(req)))

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)

	var frame Response
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Nil(t, frame.Error)
	assert.Equal(t, "1", frame.ID)

	var current currentAgentResult
	require.NoError(t, json.Unmarshal(frame.Result, &current))
	assert.Equal(t, "athena-conductor", current.Agent.AgentID)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
