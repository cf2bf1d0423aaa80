// Package dbsvc is the demo's database service: a thin HTTP front over
// the sqlite store, instrumented with spans and metrics per operation.
package dbsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab/demo/store"
	"github.com/kubelab-io/kubelab/demo/telemetry"
)

// DefaultAddr is the port the database service listens on.
const DefaultAddr = ":8082"

// Service is the database HTTP service.
type Service struct {
	store *store.Store
	tel   *telemetry.Telemetry
	log   *zap.Logger

	opCounter  metric.Int64Counter
	opDuration metric.Float64Histogram
}

// New builds the service around an open store.
func New(st *store.Store, tel *telemetry.Telemetry, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{store: st, tel: tel, log: log}

	var err error
	s.opCounter, err = tel.Meter.Int64Counter("db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	s.opDuration, err = tel.Meter.Float64Histogram("db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Router builds the gin engine with all routes registered.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.tel.Middleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Database Service", "status": "running"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.POST("/store", s.storeData)
	r.GET("/retrieve/:id", s.retrieveData)
	r.GET("/list", s.listItems)
	r.DELETE("/delete/:id", s.deleteData)
	r.GET("/user/:username", s.getUser)
	r.POST("/user", s.createUser)

	return r
}

// Run serves until ctx is canceled.
func (s *Service) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("db service listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Service) recordOp(ctx context.Context, op, table string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("table", table),
	)
	s.opCounter.Add(ctx, 1, attrs)
	s.opDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func requireAuth(c *gin.Context) bool {
	if c.GetHeader("Authorization") == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Missing authorization header"})
		return false
	}
	return true
}

func (s *Service) storeData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "POST", "/store")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "db.store_data")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "insert"),
		attribute.String("db.table", "items"),
	)
	defer s.recordOp(ctx, "insert", "items", start)

	if !requireAuth(c) {
		span.SetStatus(codes.Error, "Missing authorization")
		return
	}

	var data json.RawMessage
	if err := c.ShouldBindJSON(&data); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON body"})
		return
	}

	item, err := s.store.InsertItem(ctx, data)
	if err != nil {
		span.SetStatus(codes.Error, "Database error")
		s.log.Error("insert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database error"})
		return
	}
	span.SetAttributes(attribute.String("item.id", item.ID))

	s.tel.RecordDuration(ctx, "POST", "/store", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"id":         item.ID,
		"status":     "stored",
		"created_at": item.CreatedAt,
	})
}

func (s *Service) retrieveData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/retrieve/{id}")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "db.retrieve_data")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(
		attribute.String("db.operation", "select"),
		attribute.String("db.table", "items"),
		attribute.String("item.id", id),
	)
	defer s.recordOp(ctx, "select", "items", start)

	if !requireAuth(c) {
		span.SetStatus(codes.Error, "Missing authorization")
		return
	}

	item, err := s.store.GetItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		span.SetStatus(codes.Error, "Item not found")
		c.JSON(http.StatusNotFound, gin.H{"detail": "Item not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "Database error")
		s.log.Error("retrieve failed", zap.Error(err), zap.String("id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database error"})
		return
	}

	s.tel.RecordDuration(ctx, "GET", "/retrieve/{id}", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, item)
}

func (s *Service) listItems(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/list")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "db.list_items")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "select"),
		attribute.String("db.table", "items"),
	)
	defer s.recordOp(ctx, "select", "items", start)

	if !requireAuth(c) {
		span.SetStatus(codes.Error, "Missing authorization")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		span.SetStatus(codes.Error, "Invalid limit")
		c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be an integer"})
		return
	}
	span.SetAttributes(attribute.Int("db.limit", limit))

	items, err := s.store.ListItems(ctx, limit)
	if err != nil {
		span.SetStatus(codes.Error, "Database error")
		s.log.Error("list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database error"})
		return
	}
	span.SetAttributes(attribute.Int("items.count", len(items)))

	s.tel.RecordDuration(ctx, "GET", "/list", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Service) deleteData(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "DELETE", "/delete/{id}")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "db.delete_data")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(
		attribute.String("db.operation", "delete"),
		attribute.String("db.table", "items"),
		attribute.String("item.id", id),
	)
	defer s.recordOp(ctx, "delete", "items", start)

	if !requireAuth(c) {
		span.SetStatus(codes.Error, "Missing authorization")
		return
	}

	err := s.store.DeleteItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		span.SetStatus(codes.Error, "Item not found")
		c.JSON(http.StatusNotFound, gin.H{"detail": "Item not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "Database error")
		s.log.Error("delete failed", zap.Error(err), zap.String("id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database error"})
		return
	}

	s.tel.RecordDuration(ctx, "DELETE", "/delete/{id}", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "deleted"})
}

// getUser serves the auth service's credential lookups. It is only
// reachable inside the cluster.
func (s *Service) getUser(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/user/{username}")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "db.get_user")
	defer span.End()
	username := c.Param("username")
	span.SetAttributes(
		attribute.String("db.operation", "select"),
		attribute.String("db.table", "users"),
		attribute.String("user.username", username),
	)
	defer s.recordOp(ctx, "select", "users", start)

	u, err := s.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		span.SetStatus(codes.Error, "User not found")
		c.JSON(http.StatusNotFound, gin.H{"detail": "User not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "Database error")
		s.log.Error("get user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database error"})
		return
	}

	s.tel.RecordDuration(ctx, "GET", "/user/{username}", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, u)
}

func (s *Service) createUser(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "POST", "/user")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "db.create_user")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "insert"),
		attribute.String("db.table", "users"),
	)
	defer s.recordOp(ctx, "insert", "users", start)

	var u store.User
	if err := c.ShouldBindJSON(&u); err != nil || u.Username == "" || u.Password == "" {
		span.SetStatus(codes.Error, "Missing username or password")
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Username and password required"})
		return
	}
	span.SetAttributes(attribute.String("user.username", u.Username))

	err := s.store.CreateUser(ctx, u)
	if errors.Is(err, store.ErrExists) {
		span.SetStatus(codes.Error, "User already exists")
		c.JSON(http.StatusConflict, gin.H{"detail": "User already exists"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "Database error")
		s.log.Error("create user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Database error"})
		return
	}

	s.tel.RecordDuration(ctx, "POST", "/user", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"username":   u.Username,
		"status":     "created",
		"created_at": time.Now().UTC(),
	})
}
