// Package loadgen generates authenticated traffic against the demo's
// app service, to light up its traces and metrics.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubelab-io/kubelab/demo/telemetry"
)

// Config controls a load run.
type Config struct {
	// AppURL is the base URL of the app service.
	AppURL string
	// AuthURL is the base URL of the auth service.
	AuthURL string
	// Workers is the number of concurrent request loops.
	Workers int
	// Rate is requests per second per worker.
	Rate float64
	// Duration bounds the run.
	Duration time.Duration
	// Username and Password are the demo credentials to log in with.
	Username string
	Password string
	// ErrorRate appends deliberately failing requests after the main
	// run, as a fraction of the requests already made. Zero means the
	// default of 5%; negative disables the error phase.
	ErrorRate float64
}

func (c *Config) applyDefaults() {
	if c.AppURL == "" {
		c.AppURL = "http://localhost:8080"
	}
	if c.AuthURL == "" {
		c.AuthURL = "http://localhost:8081"
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.Duration <= 0 {
		c.Duration = time.Minute
	}
	if c.Username == "" {
		c.Username = "admin"
		c.Password = "admin123"
	}
	if c.ErrorRate == 0 {
		c.ErrorRate = 0.05
	}
}

// Report is the outcome of a load run.
type Report struct {
	Total      int
	Successful int
	Failed     int
	Errors     int
	Elapsed    time.Duration

	MinLatency  time.Duration
	MeanLatency time.Duration
	P50Latency  time.Duration
	P95Latency  time.Duration
	P99Latency  time.Duration
}

// RPS is the achieved request rate.
func (r *Report) RPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total) / r.Elapsed.Seconds()
}

func (r *Report) String() string {
	return fmt.Sprintf(
		"requests=%d success=%d failed=%d errors=%d rps=%.1f latency(min/mean/p50/p95/p99)=%s/%s/%s/%s/%s",
		r.Total, r.Successful, r.Failed, r.Errors, r.RPS(),
		r.MinLatency.Round(time.Millisecond),
		r.MeanLatency.Round(time.Millisecond),
		r.P50Latency.Round(time.Millisecond),
		r.P95Latency.Round(time.Millisecond),
		r.P99Latency.Round(time.Millisecond),
	)
}

// Generator drives traffic at one app service.
type Generator struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger

	token string

	mu        sync.Mutex
	latencies []time.Duration
	report    Report
	itemIDs   []string
}

// New builds a generator. A nil log disables logging.
func New(cfg Config, log *zap.Logger) *Generator {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{
		cfg:    cfg,
		client: telemetry.HTTPClient(10 * time.Second),
		log:    log,
	}
}

// login fetches an auth token for the run.
func (g *Generator) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": g.cfg.Username,
		"password": g.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.AuthURL+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed with status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Token == "" {
		return errors.New("login response contained no token")
	}
	g.token = out.Token
	g.log.Info("authenticated", zap.String("user", g.cfg.Username))
	return nil
}

// Run logs in and generates traffic until the configured duration
// elapses or ctx is canceled, then returns the aggregated report.
func (g *Generator) Run(ctx context.Context) (*Report, error) {
	if err := g.login(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, g.cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < g.cfg.Workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			g.worker(runCtx, rand.New(rand.NewSource(seed)))
		}(start.UnixNano() + int64(i))
	}

	// Long runs get a traffic spike halfway through, to light up the
	// latency percentiles.
	if g.cfg.Duration > 20*time.Second {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-runCtx.Done():
			case <-time.After(g.cfg.Duration / 2):
				g.spike(runCtx, rand.New(rand.NewSource(start.UnixNano()-1)))
			}
		}()
	}
	wg.Wait()

	g.errorPhase(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.report.Elapsed = time.Since(start)
	g.summarizeLocked()
	report := g.report
	return &report, nil
}

// presetNames are the app service's static items; reads of them
// dominate the mix.
var presetNames = []string{"welcome", "status", "info"}

// worker loops a weighted request mix under its own rate limiter.
func (g *Generator) worker(ctx context.Context, rnd *rand.Rand) {
	limiter := rate.NewLimiter(rate.Limit(g.cfg.Rate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		switch n := rnd.Intn(8); {
		case n == 0:
			g.createItem(ctx, rnd)
		case n == 1:
			g.getItem(ctx, rnd)
		case n == 2:
			g.listItems(ctx)
		case n == 3:
			g.listPresets(ctx)
		default:
			g.getPreset(ctx, presetNames[rnd.Intn(len(presetNames))])
		}
	}
}

// spike hammers the cheap endpoints at five times the configured rate
// for ten seconds.
func (g *Generator) spike(ctx context.Context, rnd *rand.Rand) {
	g.log.Info("generating traffic spike")
	spikeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(g.cfg.Rate*5), 1)
	for {
		if err := limiter.Wait(spikeCtx); err != nil {
			return
		}
		switch rnd.Intn(3) {
		case 0:
			g.listPresets(spikeCtx)
		case 1:
			g.getPreset(spikeCtx, "welcome")
		default:
			g.createItem(spikeCtx, rnd)
		}
	}
}

// errorPhase issues requests that are expected to 404, so the demo's
// error-rate dashboards have something to show.
func (g *Generator) errorPhase(ctx context.Context) {
	if g.cfg.ErrorRate < 0 {
		return
	}
	g.mu.Lock()
	n := int(float64(g.report.Total) * g.cfg.ErrorRate)
	g.mu.Unlock()
	if n == 0 {
		return
	}
	g.log.Info("generating error requests", zap.Int("count", n))
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		if i%2 == 0 {
			g.do(ctx, http.MethodGet, "/api/data/invalid-id", nil)
		} else {
			g.do(ctx, http.MethodGet, "/api/preset/invalid", nil)
		}
	}
}

func (g *Generator) createItem(ctx context.Context, rnd *rand.Rand) {
	payload, _ := json.Marshal(map[string]interface{}{
		"name":      fmt.Sprintf("load-%d", rnd.Int63()),
		"value":     rnd.Intn(1000),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	body, ok := g.do(ctx, http.MethodPost, "/api/data", payload)
	if !ok {
		return
	}
	var stored struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &stored) == nil && stored.ID != "" {
		g.mu.Lock()
		g.itemIDs = append(g.itemIDs, stored.ID)
		g.mu.Unlock()
	}
}

func (g *Generator) getItem(ctx context.Context, rnd *rand.Rand) {
	g.mu.Lock()
	var id string
	if len(g.itemIDs) > 0 {
		id = g.itemIDs[rnd.Intn(len(g.itemIDs))]
	}
	g.mu.Unlock()
	if id == "" {
		g.listItems(ctx)
		return
	}
	g.do(ctx, http.MethodGet, "/api/data/"+id, nil)
}

func (g *Generator) listItems(ctx context.Context) {
	g.do(ctx, http.MethodGet, "/api/data?limit=10", nil)
}

func (g *Generator) getPreset(ctx context.Context, name string) {
	g.do(ctx, http.MethodGet, "/api/preset/"+name, nil)
}

func (g *Generator) listPresets(ctx context.Context) {
	g.do(ctx, http.MethodGet, "/api/presets", nil)
}

// do performs one request and records its outcome. It reports whether
// the request returned 2xx, handing back the body if so.
func (g *Generator) do(ctx context.Context, method, path string, payload []byte) ([]byte, bool) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.AppURL+path, rd)
	if err != nil {
		g.record(0, 0, err)
		return nil, false
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		// Cancellation at the end of the run isn't a service error.
		if ctx.Err() == nil {
			g.record(elapsed, 0, err)
		}
		return nil, false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	g.record(elapsed, resp.StatusCode, nil)
	return body, resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (g *Generator) record(elapsed time.Duration, status int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.report.Total++
	switch {
	case err != nil:
		g.report.Errors++
	case status >= 200 && status < 300:
		g.report.Successful++
	default:
		g.report.Failed++
	}
	if elapsed > 0 {
		g.latencies = append(g.latencies, elapsed)
	}
}

// summarizeLocked computes latency aggregates. Callers hold g.mu.
func (g *Generator) summarizeLocked() {
	if len(g.latencies) == 0 {
		return
	}
	sorted := make([]time.Duration, len(g.latencies))
	copy(sorted, g.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	g.report.MinLatency = sorted[0]
	g.report.MeanLatency = sum / time.Duration(len(sorted))
	g.report.P50Latency = percentile(sorted, 0.50)
	g.report.P95Latency = percentile(sorted, 0.95)
	g.report.P99Latency = percentile(sorted, 0.99)
}

// percentile picks from a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
