package smoke

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kubelab-io/kubelab/demo/appsvc"
	"github.com/kubelab-io/kubelab/demo/authsvc"
	"github.com/kubelab-io/kubelab/demo/dbsvc"
	"github.com/kubelab-io/kubelab/demo/store"
	"github.com/kubelab-io/kubelab/demo/telemetry"
)

// startDemo wires the three services together the way the manifest
// does, backed by a throwaway sqlite file, and returns the app and
// auth base URLs.
func startDemo(t *testing.T) (appURL, authURL string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "app.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dbSvc, err := dbsvc.New(st, telemetry.Noop("db-service"), log)
	require.NoError(t, err)
	dbServer := httptest.NewServer(dbSvc.Router())
	t.Cleanup(dbServer.Close)

	authSvc := authsvc.New(authsvc.Config{DBServiceURL: dbServer.URL}, telemetry.Noop("auth-service"), log)
	authServer := httptest.NewServer(authSvc.Router())
	t.Cleanup(authServer.Close)

	appSvc := appsvc.New(appsvc.Config{
		AuthServiceURL: authServer.URL,
		DBServiceURL:   dbServer.URL,
	}, telemetry.Noop("app-service"), log)
	appServer := httptest.NewServer(appSvc.Router())
	t.Cleanup(appServer.Close)

	return appServer.URL, authServer.URL
}

func TestRunChecks(t *testing.T) {
	appURL, authURL := startDemo(t)

	results := RunChecks(context.Background(), appURL, authURL, nil)
	for _, r := range results {
		assert.NoError(t, r.Err, r.Name)
	}
	assert.Equal(t, 0, Failures(results))

	var names []string
	for _, r := range results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"app health",
		"auth health",
		"login returns token",
		"create without token rejected",
		"create with bogus token rejected",
		"create data",
		"retrieve data",
		"list data",
		"unknown item returns 404",
		"delete data",
		"deleted item gone",
		"token info",
	}, names)
}

func TestRunChecksAppDown(t *testing.T) {
	_, authURL := startDemo(t)

	appServer := httptest.NewServer(nil)
	appServer.Close()

	results := RunChecks(context.Background(), appServer.URL, authURL, nil)
	assert.Greater(t, Failures(results), 0)

	// Auth-only checks still pass even with the app unreachable.
	for _, r := range results {
		switch r.Name {
		case "auth health", "login returns token", "token info":
			assert.NoError(t, r.Err, r.Name)
		}
	}
}

func TestFailures(t *testing.T) {
	assert.Equal(t, 0, Failures(nil))
	assert.Equal(t, 1, Failures([]Result{
		{Name: "ok"},
		{Name: "bad", Err: context.Canceled},
	}))
	assert.True(t, Result{Name: "ok"}.OK())
	assert.False(t, Result{Name: "bad", Err: context.Canceled}.OK())
}
