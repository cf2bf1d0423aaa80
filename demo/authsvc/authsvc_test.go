package authsvc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kubelab-io/kubelab/demo/telemetry"
)

// fakeDB mimics the database service's /user/{username} endpoint.
func fakeDB(t *testing.T, users map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimPrefix(r.URL.Path, "/user/")
		password, ok := users[username]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "User not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"username": username, "password": password})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, dbURL string) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New(Config{Secret: "test-secret", DBServiceURL: dbURL},
		telemetry.Noop("auth-service"), zaptest.NewLogger(t))
}

func post(t *testing.T, r *gin.Engine, path, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
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

func TestLogin(t *testing.T) {
	db := fakeDB(t, map[string]string{"admin": "admin123"})
	svc := newTestService(t, db.URL)
	r := svc.Router()

	w := post(t, r, "/login", `{"username":"admin","password":"admin123"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)
	assert.NotEmpty(t, got["token"])
	assert.EqualValues(t, 1800, got["expires_in"])

	w = post(t, r, "/login", `{"username":"admin","password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid credentials", decode(t, w)["detail"])

	w = post(t, r, "/login", `{"username":"nobody","password":"x"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(t, r, "/login", `{"username":"admin"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Username and password required", decode(t, w)["detail"])
}

func TestLoginDBUnavailable(t *testing.T) {
	db := fakeDB(t, nil)
	db.Close()
	svc := newTestService(t, db.URL)

	w := post(t, svc.Router(), "/login", `{"username":"admin","password":"admin123"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Database service unavailable", decode(t, w)["detail"])
}

func TestValidate(t *testing.T) {
	svc := newTestService(t, "http://unused")
	r := svc.Router()

	token, err := svc.IssueToken("admin")
	require.NoError(t, err)

	w := post(t, r, "/validate", "", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)
	assert.Equal(t, true, got["valid"])
	assert.Equal(t, "admin", got["username"])
	assert.NotZero(t, got["expires_at"])

	// The bare token, without the Bearer prefix, is accepted too.
	w = post(t, r, "/validate", "", token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(t, r, "/validate", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Missing authorization header", decode(t, w)["detail"])

	w = post(t, r, "/validate", "", "Bearer not.a.token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid token", decode(t, w)["detail"])
}

func TestValidateExpiredToken(t *testing.T) {
	svc := newTestService(t, "http://unused")

	// Issue in the past, validate in the present.
	svc.now = func() time.Time { return time.Now().Add(-2 * TokenExpiry) }
	token, err := svc.IssueToken("admin")
	require.NoError(t, err)
	svc.now = time.Now

	w := post(t, svc.Router(), "/validate", "", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Token expired", decode(t, w)["detail"])
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	svc := newTestService(t, "http://unused")
	other := newTestService(t, "http://unused")
	other.secret = []byte("some-other-secret")

	token, err := other.IssueToken("admin")
	require.NoError(t, err)

	w := post(t, svc.Router(), "/validate", "", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenInfo(t *testing.T) {
	svc := newTestService(t, "http://unused")
	r := svc.Router()

	token, err := svc.IssueToken("user1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/token/info", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "user1", got["username"])
	issued, _ := got["issued_at"].(float64)
	expires, _ := got["expires_at"].(float64)
	assert.InDelta(t, TokenExpiry.Seconds(), expires-issued, 1)
}

func TestParseTokenRoundtrip(t *testing.T) {
	svc := newTestService(t, "http://unused")
	token, err := svc.IssueToken("testuser")
	require.NoError(t, err)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "testuser", claims.Username)
}
