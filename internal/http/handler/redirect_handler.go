package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/SafeLink/internal/app/service"
	"go.uber.org/zap"
)

// RedirectDeps groups dependencies required by redirect handlers.
type RedirectDeps struct {
	Logger *zap.Logger
	Links  service.LinkService
	Clicks service.ClickSink
}

// RedirectHandler resolves short keys.
type RedirectHandler struct {
	logger *zap.Logger
	links  service.LinkService
	clicks service.ClickSink
}

// NewRedirectHandler creates a redirect handler with the provided dependencies.
func NewRedirectHandler(deps RedirectDeps) *RedirectHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectHandler{
		logger: logger,
		links:  deps.Links,
		clicks: deps.Clicks,
	}
}

// RegisterHealth wires the liveness routes.
func (h *RedirectHandler) RegisterHealth(router fiber.Router) {
	router.Get("/", h.Health)
	router.Get("/health", h.Health)
}

// Register wires the catch-all key route; it must come after every other single-segment route.
func (h *RedirectHandler) Register(router fiber.Router) {
	router.Get("/:key", h.Resolve)
}

// Health is a simple root endpoint so we know the service is running.
func (h *RedirectHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "SafeLink",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Resolve handles GET /:key.
func (h *RedirectHandler) Resolve(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return badRequest(c, "missing link key")
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	link, err := h.links.Resolve(ctx, key)
	if err != nil {
		return writeError(c, h.logger, "resolve", err)
	}

	h.logger.Debug("redirecting short link", zap.String("key", key), zap.String("target", link.TargetURL))
	if err := c.Redirect(link.TargetURL, fiber.StatusTemporaryRedirect); err != nil {
		return err
	}
	// Fiber flushes after the handler returns; both sinks only enqueue.
	if h.clicks != nil {
		h.clicks.Dispatch(link.Key)
	}
	return nil
}
