// Package smoke runs end-to-end checks against a deployed demo: it
// port-forwards to each service and asserts the expected HTTP status
// for every endpoint, including the failure paths.
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Namespace is where the demo workload lives.
const Namespace = "demo"

// Result is the outcome of one check.
type Result struct {
	Name string
	Err  error
}

func (r Result) OK() bool { return r.Err == nil }

// Failures counts failed checks in a result set.
func Failures(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}

// Checker runs the endpoint checklist against a cluster.
type Checker struct {
	client  kubernetes.Interface
	restcfg *rest.Config
	log     *zap.Logger
}

// NewChecker builds a checker for the cluster behind restcfg.
func NewChecker(restcfg *rest.Config, client kubernetes.Interface, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{client: client, restcfg: restcfg, log: log}
}

// Run forwards to the app and auth services and executes the
// checklist. It returns one Result per check; an error return means
// the checks could not run at all.
func (c *Checker) Run(ctx context.Context) ([]Result, error) {
	appFwd, err := ForwardToService(ctx, c.restcfg, c.client, Namespace, "app-service", 8080)
	if err != nil {
		return nil, fmt.Errorf("forwarding to app service: %w", err)
	}
	defer appFwd.Close()

	authFwd, err := ForwardToService(ctx, c.restcfg, c.client, Namespace, "auth-service", 8081)
	if err != nil {
		return nil, fmt.Errorf("forwarding to auth service: %w", err)
	}
	defer authFwd.Close()

	results := RunChecks(ctx, appFwd.URL(), authFwd.URL(), nil)
	for _, r := range results {
		if r.OK() {
			c.log.Info("check passed", zap.String("check", r.Name))
		} else {
			c.log.Warn("check failed", zap.String("check", r.Name), zap.Error(r.Err))
		}
	}
	return results, nil
}

// RunChecks executes the endpoint checklist against the given base
// URLs. It is separated from the port-forward plumbing so it can run
// against any reachable demo deployment.
func RunChecks(ctx context.Context, appURL, authURL string, client *http.Client) []Result {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	s := &session{ctx: ctx, client: client, appURL: appURL, authURL: authURL}

	var results []Result
	check := func(name string, fn func() error) {
		results = append(results, Result{Name: name, Err: fn()})
	}

	check("app health", func() error {
		return s.expectStatus(http.MethodGet, s.appURL+"/health", "", nil, http.StatusOK)
	})
	check("auth health", func() error {
		return s.expectStatus(http.MethodGet, s.authURL+"/health", "", nil, http.StatusOK)
	})

	check("login returns token", s.login)
	check("create without token rejected", func() error {
		return s.expectStatus(http.MethodPost, s.appURL+"/api/data", "",
			[]byte(`{"probe":true}`), http.StatusUnauthorized)
	})
	check("create with bogus token rejected", func() error {
		return s.expectStatus(http.MethodPost, s.appURL+"/api/data", "Bearer not-a-token",
			[]byte(`{"probe":true}`), http.StatusUnauthorized)
	})

	check("create data", s.createItem)
	check("retrieve data", func() error {
		if s.itemID == "" {
			return fmt.Errorf("no item to retrieve")
		}
		return s.expectStatus(http.MethodGet, s.appURL+"/api/data/"+s.itemID, s.bearer(), nil, http.StatusOK)
	})
	check("list data", func() error {
		return s.expectStatus(http.MethodGet, s.appURL+"/api/data?limit=5", s.bearer(), nil, http.StatusOK)
	})
	check("unknown item returns 404", func() error {
		return s.expectStatus(http.MethodGet, s.appURL+"/api/data/no-such-item", s.bearer(), nil, http.StatusNotFound)
	})
	check("delete data", func() error {
		if s.itemID == "" {
			return fmt.Errorf("no item to delete")
		}
		return s.expectStatus(http.MethodDelete, s.appURL+"/api/data/"+s.itemID, s.bearer(), nil, http.StatusOK)
	})
	check("deleted item gone", func() error {
		if s.itemID == "" {
			return fmt.Errorf("no item was created")
		}
		return s.expectStatus(http.MethodGet, s.appURL+"/api/data/"+s.itemID, s.bearer(), nil, http.StatusNotFound)
	})
	check("token info", func() error {
		return s.expectStatus(http.MethodGet, s.authURL+"/token/info", s.bearer(), nil, http.StatusOK)
	})

	return results
}

// session carries state between checks: the auth token and the item
// created for the roundtrip.
type session struct {
	ctx     context.Context
	client  *http.Client
	appURL  string
	authURL string

	token  string
	itemID string
}

func (s *session) bearer() string {
	if s.token == "" {
		return ""
	}
	return "Bearer " + s.token
}

func (s *session) login() error {
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "admin123"})
	resp, err := s.do(http.MethodPost, s.authURL+"/login", "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: got status %d, want 200", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("login succeeded but returned an empty token")
	}
	s.token = out.Token
	return nil
}

func (s *session) createItem() error {
	body, _ := json.Marshal(map[string]interface{}{"source": "smoke", "ts": time.Now().Unix()})
	resp, err := s.do(http.MethodPost, s.appURL+"/api/data", s.bearer(), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create: got status %d, want 200", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding create response: %w", err)
	}
	if out.ID == "" {
		return fmt.Errorf("create succeeded but returned no item id")
	}
	s.itemID = out.ID
	return nil
}

func (s *session) do(method, url, authorization string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(s.ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.client.Do(req)
}

func (s *session) expectStatus(method, url, authorization string, body []byte, want int) error {
	resp, err := s.do(method, url, authorization, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: got status %d, want %d", method, url, resp.StatusCode, want)
	}
	return nil
}
