// Package appsvc is the demo's front service. Every data operation
// validates the caller's token with the auth service and then talks to
// the database service, producing a three-hop trace.
package appsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab/demo/telemetry"
)

// DefaultAddr is the port the app service listens on.
const DefaultAddr = ":8080"

var (
	errAuthUnavailable = errors.New("auth service unavailable")
	errDBUnavailable   = errors.New("database service unavailable")
	errInvalidToken    = errors.New("invalid token")
)

// Config carries the service's environment-derived settings.
type Config struct {
	AuthServiceURL string
	DBServiceURL   string
}

// ConfigFromEnv reads AUTH_SERVICE_URL and DB_SERVICE_URL.
func ConfigFromEnv() Config {
	cfg := Config{
		AuthServiceURL: os.Getenv("AUTH_SERVICE_URL"),
		DBServiceURL:   os.Getenv("DB_SERVICE_URL"),
	}
	if cfg.AuthServiceURL == "" {
		cfg.AuthServiceURL = "http://localhost:8081"
	}
	if cfg.DBServiceURL == "" {
		cfg.DBServiceURL = "http://localhost:8082"
	}
	return cfg
}

// Service is the app HTTP service.
type Service struct {
	cfg    Config
	client *http.Client
	tel    *telemetry.Telemetry
	log    *zap.Logger
}

// New builds the service.
func New(cfg Config, tel *telemetry.Telemetry, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		client: telemetry.HTTPClient(5 * time.Second),
		tel:    tel,
		log:    log,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.tel.Middleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Application Service", "status": "running"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.POST("/api/data", s.createData)
	r.GET("/api/data", s.listData)
	r.GET("/api/data/:id", s.getData)
	r.DELETE("/api/data/:id", s.deleteData)

	r.GET("/api/preset/:id", s.getPreset)
	r.GET("/api/presets", s.listPresets)
	r.POST("/api/seed", s.seedData)

	return r
}

// presetNames is the order presets are reported in.
var presetNames = []string{"welcome", "status", "info"}

// presets are static data items, the read-heavy half of the demo's
// traffic.
var presets = map[string]gin.H{
	"welcome": {"message": "Welcome to the microservices application", "version": "1.0"},
	"status":  {"services": []string{"app", "auth", "db"}, "status": "operational"},
	"info":    {"description": "This is a microservices demo with OpenTelemetry", "author": "demo team"},
}

// seedItems is what POST /api/seed stores through the database service.
var seedItems = []map[string]interface{}{
	{"name": "Sample Item 1", "type": "test", "value": 100},
	{"name": "Sample Item 2", "type": "demo", "value": 200},
	{"name": "Sample Item 3", "type": "example", "value": 300},
}

// Run serves until ctx is canceled.
func (s *Service) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("app service listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// validateToken checks the Authorization header with the auth service.
func (s *Service) validateToken(ctx context.Context, authorization string) error {
	ctx, span := s.tel.Tracer.Start(ctx, "app.validate_token")
	defer span.End()
	span.SetAttributes(attribute.String("service", "auth-service"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.AuthServiceURL+"/validate", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)

	resp, err := s.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "Auth service unavailable")
		return errAuthUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, "Invalid token")
		return errInvalidToken
	}
	return nil
}

// dbRequest forwards a request to the database service and relays the
// response body and status.
func (s *Service) dbRequest(ctx context.Context, method, path, authorization string, body []byte) (int, []byte, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "app.db_request")
	defer span.End()
	span.SetAttributes(
		attribute.String("service", "db-service"),
		attribute.String("http.method", method),
	)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.DBServiceURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", authorization)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "Database service unavailable")
		return 0, nil, errDBUnavailable
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, bs, nil
}

// authorize runs the common auth preamble. It writes the error
// response itself and reports whether the handler may continue.
func (s *Service) authorize(c *gin.Context, ctx context.Context) (string, bool) {
	authorization := c.GetHeader("Authorization")
	if authorization == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Missing authorization header"})
		return "", false
	}
	if err := s.validateToken(ctx, authorization); err != nil {
		if errors.Is(err, errAuthUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Auth service unavailable"})
		} else {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
		}
		return "", false
	}
	return authorization, true
}

// relayDB writes the database service's response through, mapping
// transport failures to 503.
func (s *Service) relayDB(c *gin.Context, status int, body []byte, err error) {
	if err != nil {
		if errors.Is(err, errDBUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Database service unavailable"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal error"})
		}
		return
	}
	c.Data(status, "application/json", body)
}

func (s *Service) createData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "POST", "/api/data")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.create_data")
	defer span.End()

	authorization, ok := s.authorize(c, ctx)
	if !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) {
		span.SetStatus(codes.Error, "Invalid body")
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON body"})
		return
	}

	status, respBody, err := s.dbRequest(ctx, http.MethodPost, "/store", authorization, body)
	if err == nil && status != http.StatusOK {
		span.SetStatus(codes.Error, "Database operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database operation failed"})
		return
	}
	if err == nil {
		var stored struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(respBody, &stored) == nil {
			span.SetAttributes(attribute.String("item.id", stored.ID))
		}
		s.tel.RecordDuration(ctx, "POST", "/api/data", status, time.Since(start))
	}
	s.relayDB(c, status, respBody, err)
}

func (s *Service) getData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/api/data/{id}")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.get_data")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(attribute.String("item.id", id))

	authorization, ok := s.authorize(c, ctx)
	if !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	status, body, err := s.dbRequest(ctx, http.MethodGet, "/retrieve/"+id, authorization, nil)
	if err == nil && status == http.StatusNotFound {
		span.SetStatus(codes.Error, "Item not found")
	}
	if err == nil && status == http.StatusOK {
		s.tel.RecordDuration(ctx, "GET", "/api/data/{id}", status, time.Since(start))
	}
	s.relayDB(c, status, body, err)
}

func (s *Service) listData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/api/data")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.list_data")
	defer span.End()

	authorization, ok := s.authorize(c, ctx)
	if !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	path := "/list"
	if limit := c.Query("limit"); limit != "" {
		path += "?limit=" + limit
	}
	status, body, err := s.dbRequest(ctx, http.MethodGet, path, authorization, nil)
	if err == nil && status == http.StatusOK {
		s.tel.RecordDuration(ctx, "GET", "/api/data", status, time.Since(start))
	}
	s.relayDB(c, status, body, err)
}

func (s *Service) getPreset(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/api/preset/{id}")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.get_preset")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(attribute.String("preset.id", id))

	if _, ok := s.authorize(c, ctx); !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	data, ok := presets[id]
	if !ok {
		span.SetStatus(codes.Error, "Preset not found")
		c.JSON(http.StatusNotFound, gin.H{
			"detail": fmt.Sprintf("Preset %q not found. Available: %v", id, presetNames),
		})
		return
	}
	span.SetAttributes(attribute.Bool("preset.found", true))
	s.tel.RecordDuration(ctx, "GET", "/api/preset/{id}", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{"preset_id": id, "data": data})
}

func (s *Service) listPresets(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/api/presets")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.list_presets")
	defer span.End()

	if _, ok := s.authorize(c, ctx); !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	s.tel.RecordDuration(ctx, "GET", "/api/presets", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"available_presets": presetNames,
		"description":       "Use /api/preset/{preset_id} to retrieve specific preset data",
	})
}

// seedData stores the preset sample items through the database
// service. Items that fail to store are skipped, not fatal.
func (s *Service) seedData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "POST", "/api/seed")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.seed_data")
	defer span.End()
	span.SetAttributes(attribute.Int("items.count", len(seedItems)))

	authorization, ok := s.authorize(c, ctx)
	if !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	storedIDs := []string{}
	for _, item := range seedItems {
		payload, _ := json.Marshal(item)
		status, body, err := s.dbRequest(ctx, http.MethodPost, "/store", authorization, payload)
		if err != nil || status != http.StatusOK {
			continue
		}
		var stored struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(body, &stored) == nil && stored.ID != "" {
			storedIDs = append(storedIDs, stored.ID)
		}
	}

	span.SetAttributes(attribute.Int("items.created", len(storedIDs)))
	s.tel.RecordDuration(ctx, "POST", "/api/seed", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"status":        "seeded",
		"items_created": len(storedIDs),
		"item_ids":      storedIDs,
	})
}

func (s *Service) deleteData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "DELETE", "/api/data/{id}")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "app.delete_data")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(attribute.String("item.id", id))

	authorization, ok := s.authorize(c, ctx)
	if !ok {
		span.SetStatus(codes.Error, "Unauthorized")
		return
	}

	status, body, err := s.dbRequest(ctx, http.MethodDelete, "/delete/"+id, authorization, nil)
	if err == nil && status == http.StatusOK {
		s.tel.RecordDuration(ctx, "DELETE", "/api/data/{id}", status, time.Since(start))
	}
	s.relayDB(c, status, body, err)
}
