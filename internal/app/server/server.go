package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/SafeLink/internal/app/service"
	inthttp "github.com/sifan077/SafeLink/internal/http/handler"
	"github.com/sifan077/SafeLink/internal/http/middleware"
	"go.uber.org/zap"
)

// Dependencies bundles what the HTTP surface needs. Redis may be nil, which
// disables rate limiting.
type Dependencies struct {
	Logger    *zap.Logger
	Redis     *redis.Client
	Admission service.AdmissionService
	Links     service.LinkService
	Clicks    service.ClickSink
	Auth      *service.Authorizer
	Watcher   *service.UpdateWatcher
	BaseURL   string
	JWTSecret []byte
	RateLimit middleware.RateLimitConfig
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with all routes registered.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               "SafeLink",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerRoutes()
	return s
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	log := s.deps.Logger
	s.app.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.CORS(),
	)

	var limiter fiber.Handler
	if s.deps.Redis != nil {
		limiter = middleware.RateLimit(s.deps.Redis, s.deps.RateLimit, log)
	}

	redirectHandler := inthttp.NewRedirectHandler(inthttp.RedirectDeps{
		Logger: log,
		Links:  s.deps.Links,
		Clicks: s.deps.Clicks,
	})
	redirectHandler.RegisterHealth(s.app)

	inthttp.NewRegisterHandler(inthttp.RegisterDeps{
		Logger: log,
		Auth:   s.deps.Auth,
		Secret: s.deps.JWTSecret,
	}).Register(s.app)

	inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:        log,
		Admission:     s.deps.Admission,
		Links:         s.deps.Links,
		BaseURL:       s.deps.BaseURL,
		CreateLimiter: limiter,
	}).Register(s.app)

	inthttp.NewNotifierHandler(inthttp.NotifierDeps{
		Logger:  log,
		Links:   s.deps.Links,
		Auth:    s.deps.Auth,
		Watcher: s.deps.Watcher,
		BaseURL: s.deps.BaseURL,
	}).Register(s.app)

	// Last: /:key would otherwise shadow the single-segment routes above.
	redirectHandler.Register(s.app)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": errorMessage(code, err),
	})
}

func errorMessage(code int, err error) string {
	if code == fiber.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}
