// Package authsvc is the demo's authentication service: it checks
// credentials against the database service and issues short-lived
// HS256 JWTs.
package authsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubelab-io/kubelab/demo/telemetry"
)

// DefaultAddr is the port the auth service listens on.
const DefaultAddr = ":8081"

// TokenExpiry is how long issued tokens stay valid.
const TokenExpiry = 30 * time.Minute

const defaultSecret = "your-secret-key-change-in-production"

var errUnavailable = errors.New("db service unavailable")

// Config carries the service's environment-derived settings.
type Config struct {
	// Secret signs tokens. Defaults to a well-known demo value.
	Secret string
	// DBServiceURL is the base URL of the database service.
	DBServiceURL string
}

// ConfigFromEnv reads JWT_SECRET and DB_SERVICE_URL.
func ConfigFromEnv() Config {
	cfg := Config{
		Secret:       os.Getenv("JWT_SECRET"),
		DBServiceURL: os.Getenv("DB_SERVICE_URL"),
	}
	if cfg.Secret == "" {
		cfg.Secret = defaultSecret
	}
	if cfg.DBServiceURL == "" {
		cfg.DBServiceURL = "http://localhost:8082"
	}
	return cfg
}

// Claims is the token payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service is the auth HTTP service.
type Service struct {
	cfg    Config
	secret []byte
	client *http.Client
	tel    *telemetry.Telemetry
	log    *zap.Logger

	now func() time.Time
}

// New builds the service.
func New(cfg Config, tel *telemetry.Telemetry, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		client: telemetry.HTTPClient(5 * time.Second),
		tel:    tel,
		log:    log,
		now:    time.Now,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.tel.Middleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Auth Service", "status": "running"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.POST("/login", s.login)
	r.POST("/validate", s.validate)
	r.GET("/token/info", s.tokenInfo)

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
	s.log.Info("auth service listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// IssueToken signs a token for username.
func (s *Service) IssueToken(username string) (string, error) {
	now := s.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseToken validates a token string and returns its claims.
func (s *Service) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// bearerToken strips an optional "Bearer " prefix, matching what the
// demo clients send.
func bearerToken(header string) string {
	return strings.TrimPrefix(header, "Bearer ")
}

// fetchUser looks a user up in the database service.
func (s *Service) fetchUser(ctx context.Context, username string) (password string, found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.DBServiceURL+"/user/"+username, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", errUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, nil
	}
	var user struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", false, err
	}
	return user.Password, true, nil
}

func (s *Service) login(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "POST", "/login")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "auth.login")
	defer span.End()

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&creds); err != nil || creds.Username == "" || creds.Password == "" {
		span.SetStatus(codes.Error, "Missing credentials")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Username and password required"})
		return
	}
	span.SetAttributes(attribute.String("user.username", creds.Username))

	dbCtx, dbSpan := s.tel.Tracer.Start(ctx, "auth.validate_credentials")
	password, found, err := s.fetchUser(dbCtx, creds.Username)
	dbSpan.End()
	if err != nil {
		span.SetStatus(codes.Error, "Database service unavailable")
		s.log.Warn("credential lookup failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Database service unavailable"})
		return
	}
	if !found || password != creds.Password {
		span.SetStatus(codes.Error, "Invalid credentials")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid credentials"})
		return
	}

	_, tokenSpan := s.tel.Tracer.Start(ctx, "auth.generate_token")
	token, err := s.IssueToken(creds.Username)
	tokenSpan.End()
	if err != nil {
		span.SetStatus(codes.Error, "Token generation failed")
		s.log.Error("signing token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Token generation failed"})
		return
	}
	span.SetAttributes(attribute.Bool("auth.success", true))

	s.tel.RecordDuration(ctx, "POST", "/login", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(TokenExpiry.Seconds()),
	})
}

func (s *Service) validate(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "POST", "/validate")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "auth.validate_token")
	defer span.End()

	header := c.GetHeader("Authorization")
	if header == "" {
		span.SetStatus(codes.Error, "Missing authorization header")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Missing authorization header"})
		return
	}

	claims, err := s.ParseToken(bearerToken(header))
	if errors.Is(err, jwt.ErrTokenExpired) {
		span.SetStatus(codes.Error, "Token expired")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token expired"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "Invalid token")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
		return
	}
	span.SetAttributes(
		attribute.String("user.username", claims.Username),
		attribute.Bool("auth.valid", true),
	)

	s.tel.RecordDuration(ctx, "POST", "/validate", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"valid":      true,
		"username":   claims.Username,
		"expires_at": claims.ExpiresAt.Unix(),
	})
}

func (s *Service) tokenInfo(c *gin.Context) {
	start := time.Now()
	s.tel.CountRequest(c.Request.Context(), "GET", "/token/info")

	ctx, span := s.tel.Tracer.Start(c.Request.Context(), "auth.token_info")
	defer span.End()

	header := c.GetHeader("Authorization")
	if header == "" {
		span.SetStatus(codes.Error, "Missing authorization header")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Missing authorization header"})
		return
	}

	claims, err := s.ParseToken(bearerToken(header))
	if errors.Is(err, jwt.ErrTokenExpired) {
		span.SetStatus(codes.Error, "Token expired")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token expired"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "Invalid token")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.username", claims.Username))

	s.tel.RecordDuration(ctx, "GET", "/token/info", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"username":   claims.Username,
		"issued_at":  claims.IssuedAt.Unix(),
		"expires_at": claims.ExpiresAt.Unix(),
	})
}
