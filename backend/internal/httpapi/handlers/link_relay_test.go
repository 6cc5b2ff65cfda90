package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"link-relay/backend/internal/memstore"
	"link-relay/backend/internal/presence"
)

type stubRevisions struct {
	ts  time.Time
	ok  bool
	err error
}

func (s stubRevisions) CurrentRevision(context.Context, string, string) (time.Time, bool, error) {
	return s.ts, s.ok, s.err
}

func newTestRouter(rev RevisionReader, reg *presence.Registry, statuses *memstore.AgentStatusRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewLinkRelayHandler(rev, reg, statuses, nil).Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func TestCurrentRevision(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	r := newTestRouter(stubRevisions{ts: ts, ok: true}, presence.NewRegistry(), memstore.NewAgentStatusRepo())

	code, out := do(t, r, http.MethodPost, "/currentRevision", `{"did":"did:a","linkLanguageUUID":"ns"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2024-05-01T12:00:00.25Z", out["currentRevision"])
}

func TestCurrentRevision_NeverSynced(t *testing.T) {
	r := newTestRouter(stubRevisions{}, presence.NewRegistry(), memstore.NewAgentStatusRepo())

	code, out := do(t, r, http.MethodPost, "/currentRevision", `{"did":"did:a","linkLanguageUUID":"ns"}`)
	assert.Equal(t, http.StatusOK, code)
	v, present := out["currentRevision"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestCurrentRevision_ResetCursorIsNull(t *testing.T) {
	r := newTestRouter(stubRevisions{ok: true}, presence.NewRegistry(), memstore.NewAgentStatusRepo())

	_, out := do(t, r, http.MethodPost, "/currentRevision", `{"did":"did:a","linkLanguageUUID":"ns"}`)
	assert.Nil(t, out["currentRevision"])
}

func TestCurrentRevision_Errors(t *testing.T) {
	r := newTestRouter(stubRevisions{err: errors.New("db down")}, presence.NewRegistry(), memstore.NewAgentStatusRepo())

	code, _ := do(t, r, http.MethodPost, "/currentRevision", `{"did":"did:a"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out := do(t, r, http.MethodPost, "/currentRevision", `{"did":"did:a","linkLanguageUUID":"ns"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "db down", out["error"])
}

func TestOnlineAgents_ExcludesRequesterAndDedups(t *testing.T) {
	reg := presence.NewRegistry()
	reg.Register("ns", "did:a", "c1")
	reg.Register("ns", "did:b", "c2")
	reg.Register("ns", "did:b", "c3")
	reg.Register("ns", "did:c", "c4")
	reg.Register("other", "did:d", "c5")

	statuses := memstore.NewAgentStatusRepo()
	require.NoError(t, statuses.UpsertStatus(context.Background(), "did:b", "ns", json.RawMessage(`{"mood":"busy"}`)))

	r := newTestRouter(stubRevisions{}, reg, statuses)
	req := httptest.NewRequest(http.MethodPost, "/onlineAgents", strings.NewReader(`{"did":"did:a","linkLanguageUUID":"ns"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		OnlineAgents []OnlineAgent `json:"onlineAgents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.OnlineAgents, 2)
	assert.Equal(t, "did:b", out.OnlineAgents[0].DID)
	assert.JSONEq(t, `{"mood":"busy"}`, string(out.OnlineAgents[0].Status))
	assert.Equal(t, "did:c", out.OnlineAgents[1].DID)
	assert.Equal(t, "null", string(out.OnlineAgents[1].Status))
}

func TestOnlineAgents_EmptyIsArray(t *testing.T) {
	r := newTestRouter(stubRevisions{}, presence.NewRegistry(), memstore.NewAgentStatusRepo())

	req := httptest.NewRequest(http.MethodPost, "/onlineAgents", strings.NewReader(`{"did":"did:a","linkLanguageUUID":"ns"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"onlineAgents":[]}`, w.Body.String())
}

func TestAgentStatus_SetThenGet(t *testing.T) {
	r := newTestRouter(stubRevisions{}, presence.NewRegistry(), memstore.NewAgentStatusRepo())

	code, _ := do(t, r, http.MethodGet, "/agentStatus?did=did:a&linkLanguageUUID=ns", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, out := do(t, r, http.MethodPost, "/agentStatus", `{"did":"did:a","linkLanguageUUID":"ns","status":{"typing":true}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ok", out["status"])

	code, out = do(t, r, http.MethodGet, "/agentStatus?did=did:a&linkLanguageUUID=ns", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "did:a", out["did"])
	assert.Equal(t, map[string]any{"typing": true}, out["status"])
	assert.NotEmpty(t, out["statusTimestamp"])

	code, _ = do(t, r, http.MethodGet, "/agentStatus?did=did:a", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(stubRevisions{}, presence.NewRegistry(), memstore.NewAgentStatusRepo())
	code, out := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ok", out["status"])
}
