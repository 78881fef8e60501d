package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/lowrank/internal/logger"
	"github.com/samcharles93/lowrank/internal/version"
	"github.com/samcharles93/lowrank/pkg/lora"
)

// DefaultMaxBodyBytes bounds uploaded adapters. FLUX adapters at rank 128 in
// F32 are around 1.3 GiB.
const DefaultMaxBodyBytes = 2 << 30

const headerRequestID = "X-Request-Id"

type Config struct {
	// Options are applied to every conversion before per-request overrides.
	Options []lora.Option
	// BaseMetadata describes the quantized base model for packing.
	BaseMetadata lora.BaseQuantMetadata
	MaxBodyBytes int64
	Logger       logger.Logger
}

type Server struct {
	opts    []lora.Option
	base    lora.BaseQuantMetadata
	maxBody int64
	log     logger.Logger
	clock   func() time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		opts:    cfg.Options,
		base:    cfg.BaseMetadata,
		maxBody: cfg.MaxBodyBytes,
		log:     cfg.Logger,
		clock:   time.Now,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", handleMetrics(promhttp.Handler()))

	e.POST("/v1/detect", s.handleDetect)
	e.POST("/v1/convert/nunchaku", s.handleToNunchaku)
	e.POST("/v1/convert/diffusers", s.handleToDiffusers)
}

// requestID tags the response and the request logger with an id, reusing
// the caller's X-Request-Id when present.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		id := req.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, id)
		log := s.log.With("request_id", id)
		c.SetRequest(req.WithContext(logger.WithContext(req.Context(), log)))
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Time:    s.clock().UTC(),
	})
}

func handleMetrics(h http.Handler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
