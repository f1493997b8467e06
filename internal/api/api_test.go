package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/presence"
	"github.com/example/workspace-sync/internal/session"
	"github.com/example/workspace-sync/internal/storage"
	syncstate "github.com/example/workspace-sync/internal/sync"
	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/syncservice"
	"github.com/example/workspace-sync/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	router http.Handler
	health error
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.AddMember(ctx, "ws1", "u1"))
	require.NoError(t, store.AddMember(ctx, "ws2", "u9"))
	require.NoError(t, store.RegisterScope(ctx, types.Scope{Type: types.ScopeProject, ID: "p1"}, types.Scope{Type: types.ScopeWorkspace, ID: "ws1"}))
	require.NoError(t, store.RegisterScope(ctx, types.Scope{Type: types.ScopeProject, ID: "p9"}, types.Scope{Type: types.ScopeWorkspace, ID: "ws2"}))

	svc, err := syncservice.New(syncservice.Config{
		ChangeLog: store,
		Snapshots: store,
		Directory: store,
		Sessions:  session.NewMemoryStore(0),
		Clocks:    syncstate.NewClockTracker(time.Hour),
		Presence:  presence.NewMemoryStore(0),
	}, zerolog.Nop())
	require.NoError(t, err)

	fx := &apiFixture{}
	router, err := NewRouter(svc, Options{
		Health: func(context.Context) error { return fx.health },
	}, zerolog.Nop())
	require.NoError(t, err)
	fx.router = router
	return fx
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func (fx *apiFixture) handshake(t *testing.T, user, workspace string) types.HandshakeResponse {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/sync/handshake", types.HandshakeRequest{
		WorkspaceID: workspace, DeviceID: "dev-1", Fingerprint: "fp-1",
	}, map[string]string{"X-User-Id": user})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.HandshakeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHandshakeEndpoint(t *testing.T) {
	fx := newAPI(t)
	resp := fx.handshake(t, "u1", "ws1")
	assert.NotEmpty(t, resp.SessionToken)
	assert.Equal(t, types.DeviceID("dev-1"), resp.DeviceID)

	rec := fx.do(t, http.MethodPost, "/sync/handshake", types.HandshakeRequest{WorkspaceID: "ws1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, syncerr.CodeAuthentication, decodeError(t, rec).Code)

	rec = fx.do(t, http.MethodPost, "/sync/handshake", types.HandshakeRequest{WorkspaceID: "ws2"}, map[string]string{"X-User-Id": "u1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, http.MethodPost, "/sync/handshake", "{", map[string]string{"X-User-Id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, syncerr.CodeMalformed, decodeError(t, rec).Code)
}

func TestPushAndPullEndpoints(t *testing.T) {
	fx := newAPI(t)
	token := fx.handshake(t, "u1", "ws1").SessionToken

	push := `{"scopeType":"project","scopeId":"p1","vectorClock":{"dev-1":2},"changes":[
		{"id":"c1","scopeType":"project","scopeId":"p1","opType":"insert","payload":{"id":"row"},"lamport":1},
		{"id":"c2","scopeType":"project","scopeId":"p1","deviceId":"dev-1","opType":"update","payload":{"id":"row"},"lamport":2}
	]}`
	rec := fx.do(t, http.MethodPost, "/sync/push", push, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pushed types.PushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pushed))
	assert.True(t, pushed.Accepted)
	assert.Equal(t, int64(1), pushed.MinEpoch)
	assert.Equal(t, int64(2), pushed.MaxEpoch)
	assert.NotNil(t, pushed.Conflicts)

	rec = fx.do(t, http.MethodPost, "/sync/pull", types.PullRequest{ScopeType: types.ScopeProject, ScopeID: "p1"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pulled types.PullResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pulled))
	require.Len(t, pulled.Changes, 2)
	assert.Equal(t, types.DeviceID("dev-1"), pulled.Changes[0].DeviceID)
	assert.Equal(t, int64(2), pulled.ServerEpoch)
	assert.False(t, pulled.HasMore)
}

func TestPushRejectsInvalidBodies(t *testing.T) {
	fx := newAPI(t)
	token := fx.handshake(t, "u1", "ws1").SessionToken

	for _, body := range []string{
		`not json`,
		`{"scopeType":"project","scopeId":"p1"}`,
		`{"scopeType":"project","scopeId":"p1","changes":[{"id":"c1","scopeType":"project","scopeId":"p1","opType":"upsert"}]}`,
	} {
		rec := fx.do(t, http.MethodPost, "/sync/push", body, bearer(token))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestScopeOutsideWorkspaceIsForbidden(t *testing.T) {
	fx := newAPI(t)
	token := fx.handshake(t, "u1", "ws1").SessionToken

	rec := fx.do(t, http.MethodPost, "/sync/pull", types.PullRequest{ScopeType: types.ScopeProject, ScopeID: "p9"}, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = fx.do(t, http.MethodPost, "/sync/pull", types.PullRequest{ScopeType: types.ScopeProject, ScopeID: "missing"}, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code, "unknown scopes never surface as not found")
}

func TestDivergentPushReturnsConflict(t *testing.T) {
	fx := newAPI(t)
	token := fx.handshake(t, "u1", "ws1").SessionToken

	rec := fx.do(t, http.MethodPost, "/sync/pull", types.PullRequest{
		ScopeType: types.ScopeProject, ScopeID: "p1", VectorClock: types.VectorClock{"dev-1": 1},
	}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	push := `{"scopeType":"project","scopeId":"p1","vectorClock":{"dev-1":300},"changes":[
		{"id":"c1","scopeType":"project","scopeId":"p1","opType":"update","payload":{},"lamport":300}
	]}`
	rec = fx.do(t, http.MethodPost, "/sync/push", push, bearer(token))
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, types.ConflictVectorClockDivergence, resp.Code)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, uint64(299), resp.Conflict.Divergence)
	assert.Equal(t, uint64(100), resp.Conflict.Threshold)
}

func TestSessionRequired(t *testing.T) {
	fx := newAPI(t)
	for _, headers := range []map[string]string{nil, bearer("unknown"), {"Authorization": "Basic abc"}} {
		rec := fx.do(t, http.MethodPost, "/sync/pull", types.PullRequest{ScopeType: types.ScopeProject, ScopeID: "p1"}, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	fx := newAPI(t)
	token := fx.handshake(t, "u1", "ws1").SessionToken

	rec := fx.do(t, http.MethodGet, "/sync/presence?workspaceId=ws1", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var list types.PresenceList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "ws1", list.WorkspaceID)

	rec = fx.do(t, http.MethodGet, "/sync/presence?workspaceId=ws2", nil, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	fx := newAPI(t)
	rec := fx.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	fx.health = errors.New("postgres down")
	rec = fx.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	fx := newAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/sync/pull", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
