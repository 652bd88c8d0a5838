package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/s3sftp/objectstore"
)

func newTestOperatorAPI(t *testing.T, cfg OperatorAPIConfig) (*OperatorAPI, objectstore.Client) {
	t.Helper()
	gw, store := newTestGateway(t)
	return NewOperatorAPI(cfg, gw), store
}

func TestOperatorAPI_HandleTree_Root(t *testing.T) {
	api, _ := newTestOperatorAPI(t, OperatorAPIConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/tree", nil)
	req.SetPathValue("user", "alice")
	w := httptest.NewRecorder()

	api.handleTree(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp treeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.User)
	assert.Equal(t, "/", resp.Path)
	assert.Equal(t, 3, len(resp.Entries))
}

func TestOperatorAPI_HandleTree_NonRoot(t *testing.T) {
	api, store := newTestOperatorAPI(t, OperatorAPIConfig{})
	require.NoError(t, store.Put(context.Background(), "users/alice/ledgers/jan.pdf", bytes.NewReader([]byte("x")), 1, ""))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/tree?path=/ledgers", nil)
	req.SetPathValue("user", "alice")
	w := httptest.NewRecorder()

	api.handleTree(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp treeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "jan.pdf", resp.Entries[0].Name)
	assert.False(t, resp.Entries[0].IsDir)
}

func TestOperatorAPI_HandleTree_PathNotAdmitted(t *testing.T) {
	api, _ := newTestOperatorAPI(t, OperatorAPIConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/tree?path=/etc/passwd", nil)
	req.SetPathValue("user", "alice")
	w := httptest.NewRecorder()

	api.handleTree(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOperatorAPI_BasicAuth_RequiredWhenConfigured(t *testing.T) {
	api, _ := newTestOperatorAPI(t, OperatorAPIConfig{AuthUser: "operator", Auth: "secret"})

	called := false
	handler := api.basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/tree", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestOperatorAPI_BasicAuth_SucceedsWithCorrectCredentials(t *testing.T) {
	api, _ := newTestOperatorAPI(t, OperatorAPIConfig{AuthUser: "operator", Auth: "secret"})

	called := false
	handler := api.basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/tree", nil)
	req.SetBasicAuth("operator", "secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
}

func TestOperatorAPI_BasicAuth_OpenWhenAuthUnset(t *testing.T) {
	api, _ := newTestOperatorAPI(t, OperatorAPIConfig{})

	called := false
	handler := api.basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/tree", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
}
