package appsvc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kubelab-io/kubelab/demo/telemetry"
)

const goodToken = "Bearer good-token"

// fakeAuth accepts exactly goodToken.
func fakeAuth(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != goodToken {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"valid": true, "username": "admin"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeDB implements just enough of the database service for the relay
// handlers: one known item, everything else 404.
func fakeDB(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/store":
			json.NewEncoder(w).Encode(map[string]string{"id": "item-1", "status": "stored"})
		case r.Method == http.MethodGet && r.URL.Path == "/retrieve/item-1":
			json.NewEncoder(w).Encode(map[string]any{"id": "item-1", "data": map[string]any{"n": 1}})
		case r.Method == http.MethodGet && r.URL.Path == "/list":
			json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "count": 0, "limit": r.URL.Query().Get("limit")})
		case r.Method == http.MethodDelete && r.URL.Path == "/delete/item-1":
			json.NewEncoder(w).Encode(map[string]string{"id": "item-1", "status": "deleted"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Item not found"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, authURL, dbURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := New(Config{AuthServiceURL: authURL, DBServiceURL: dbURL},
		telemetry.Noop("app-service"), zaptest.NewLogger(t))
	return svc.Router()
}

func do(t *testing.T, r *gin.Engine, method, path, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	return got
}

func TestHealth(t *testing.T) {
	r := newTestService(t, "http://unused", "http://unused")
	w := do(t, r, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestDataRoundtrip(t *testing.T) {
	r := newTestService(t, fakeAuth(t).URL, fakeDB(t).URL)

	w := do(t, r, http.MethodPost, "/api/data", `{"n":1}`, goodToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "item-1", decode(t, w)["id"])

	w = do(t, r, http.MethodGet, "/api/data/item-1", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "item-1", decode(t, w)["id"])

	w = do(t, r, http.MethodGet, "/api/data", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodDelete, "/api/data/item-1", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deleted", decode(t, w)["status"])
}

func TestUnauthorized(t *testing.T) {
	r := newTestService(t, fakeAuth(t).URL, fakeDB(t).URL)

	w := do(t, r, http.MethodGet, "/api/data", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Missing authorization header", decode(t, w)["detail"])

	w = do(t, r, http.MethodGet, "/api/data", "", "Bearer bogus")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid token", decode(t, w)["detail"])
}

func TestNotFoundRelayed(t *testing.T) {
	r := newTestService(t, fakeAuth(t).URL, fakeDB(t).URL)

	w := do(t, r, http.MethodGet, "/api/data/no-such-item", "", goodToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Item not found", decode(t, w)["detail"])
}

func TestCreateRejectsBadJSON(t *testing.T) {
	r := newTestService(t, fakeAuth(t).URL, fakeDB(t).URL)

	w := do(t, r, http.MethodPost, "/api/data", `{not json`, goodToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthServiceUnavailable(t *testing.T) {
	auth := fakeAuth(t)
	auth.Close()
	r := newTestService(t, auth.URL, fakeDB(t).URL)

	w := do(t, r, http.MethodGet, "/api/data", "", goodToken)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Auth service unavailable", decode(t, w)["detail"])
}

func TestDBServiceUnavailable(t *testing.T) {
	db := fakeDB(t)
	db.Close()
	r := newTestService(t, fakeAuth(t).URL, db.URL)

	w := do(t, r, http.MethodGet, "/api/data", "", goodToken)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Database service unavailable", decode(t, w)["detail"])
}

func TestListPassesLimitThrough(t *testing.T) {
	var gotPath string
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "count": 0})
	}))
	t.Cleanup(db.Close)

	r := newTestService(t, fakeAuth(t).URL, db.URL)
	w := do(t, r, http.MethodGet, "/api/data?limit=5", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/list?limit=5", gotPath)
}

func TestPresets(t *testing.T) {
	r := newTestService(t, fakeAuth(t).URL, fakeDB(t).URL)

	w := do(t, r, http.MethodGet, "/api/presets", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"welcome", "status", "info"}, decode(t, w)["available_presets"])

	for _, name := range presetNames {
		w = do(t, r, http.MethodGet, "/api/preset/"+name, "", goodToken)
		require.Equal(t, http.StatusOK, w.Code, name)
		got := decode(t, w)
		assert.Equal(t, name, got["preset_id"])
		assert.NotEmpty(t, got["data"])
	}

	w = do(t, r, http.MethodGet, "/api/preset/nope", "", goodToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode(t, w)["detail"], `"nope" not found`)

	// Presets are behind auth like everything else.
	w = do(t, r, http.MethodGet, "/api/presets", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, r, http.MethodGet, "/api/preset/welcome", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSeed(t *testing.T) {
	var stored int
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/store", r.URL.Path)
		stored++
		json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("seed-%d", stored)})
	}))
	t.Cleanup(db.Close)

	r := newTestService(t, fakeAuth(t).URL, db.URL)
	w := do(t, r, http.MethodPost, "/api/seed", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)

	got := decode(t, w)
	assert.Equal(t, "seeded", got["status"])
	assert.Equal(t, float64(len(seedItems)), got["items_created"])
	assert.Len(t, got["item_ids"], len(seedItems))
	assert.Equal(t, len(seedItems), stored)

	w = do(t, r, http.MethodPost, "/api/seed", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSeedSkipsFailedItems(t *testing.T) {
	db := fakeDB(t)
	db.Close()
	r := newTestService(t, fakeAuth(t).URL, db.URL)

	// The db being down makes every item fail, not the request.
	w := do(t, r, http.MethodPost, "/api/seed", "", goodToken)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, float64(0), got["items_created"])
	assert.Empty(t, got["item_ids"])
}
