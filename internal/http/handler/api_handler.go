package handler

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/SafeLink/internal/app/service"
	"go.uber.org/zap"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-KEY"

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger    *zap.Logger
	Admission service.AdmissionService
	Links     service.LinkService
	BaseURL   string
	// CreateLimiter guards POST /url; nil disables it.
	CreateLimiter fiber.Handler
}

// APIHandler implements the creation, management and owner endpoints.
type APIHandler struct {
	logger        *zap.Logger
	admission     service.AdmissionService
	links         service.LinkService
	baseURL       string
	createLimiter fiber.Handler
	validate      *validator.Validate
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:        logger,
		admission:     deps.Admission,
		links:         deps.Links,
		baseURL:       deps.BaseURL,
		createLimiter: deps.CreateLimiter,
		validate:      validator.New(),
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	create := []fiber.Handler{h.CreateLink}
	if h.createLimiter != nil {
		create = append([]fiber.Handler{h.createLimiter}, create...)
	}
	router.Post("/url", create...)
	router.Get("/url/:key", h.PublicInfo)

	admin := router.Group("/admin")
	{
		admin.Get("/:secret", h.AdminInfo)
		admin.Delete("/:secret", h.Deactivate)
	}

	user := router.Group("/user")
	{
		user.Get("/urls", h.ListOwned)
		user.Get("/info", h.OwnerInfo)
		user.Get("/url_count", h.URLCount)
	}

	router.Get("/check-phishing", h.CheckPhishing)
}

// CreateLinkRequest represents the request body for creating a link.
type CreateLinkRequest struct {
	TargetURL string `json:"target_url" validate:"required,max=4096"`
	CustomKey string `json:"custom_key,omitempty" validate:"omitempty,max=64"`
}

func userContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// CreateLink handles POST /url
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	var req CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, "target_url is required")
	}

	res, err := h.admission.Admit(userContext(c), service.CreateLinkInput{
		APIKey:    c.Get(APIKeyHeader),
		TargetURL: req.TargetURL,
		CustomKey: req.CustomKey,
	})
	if err != nil {
		return writeError(c, h.logger, "create link", err)
	}

	body := newLinkResponse(h.baseURL, res.Link)
	if res.Outcome == service.OutcomeAlreadyExists {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "link already exists",
			"code":  "ALREADY_EXISTS",
			"link":  body,
		})
	}
	return c.Status(fiber.StatusCreated).JSON(body)
}

// PublicInfo handles GET /url/:key
func (h *APIHandler) PublicInfo(c *fiber.Ctx) error {
	link, err := h.links.PublicInfo(userContext(c), c.Params("key"))
	if err != nil {
		return writeError(c, h.logger, "public info", err)
	}
	return c.JSON(newPublicLinkResponse(h.baseURL, link))
}

// AdminInfo handles GET /admin/:secret
func (h *APIHandler) AdminInfo(c *fiber.Ctx) error {
	link, err := h.links.AdminInfo(userContext(c), c.Params("secret"), c.Get(APIKeyHeader))
	if err != nil {
		return writeError(c, h.logger, "admin info", err)
	}
	return c.JSON(newLinkResponse(h.baseURL, link))
}

// Deactivate handles DELETE /admin/:secret
func (h *APIHandler) Deactivate(c *fiber.Ctx) error {
	link, err := h.links.Deactivate(userContext(c), c.Params("secret"), c.Get(APIKeyHeader))
	if err != nil {
		return writeError(c, h.logger, "deactivate link", err)
	}
	return c.JSON(fiber.Map{
		"message": "link deactivated",
		"key":     link.Key,
	})
}

// ListOwned handles GET /user/urls
func (h *APIHandler) ListOwned(c *fiber.Ctx) error {
	links, err := h.links.ListOwned(userContext(c), c.Get(APIKeyHeader))
	if err != nil {
		return writeError(c, h.logger, "list links", err)
	}
	response := make([]LinkResponse, len(links))
	for i := range links {
		response[i] = newLinkResponse(h.baseURL, &links[i])
	}
	return c.JSON(fiber.Map{
		"urls":  response,
		"count": len(response),
	})
}

// OwnerInfo handles GET /user/info
func (h *APIHandler) OwnerInfo(c *fiber.Ctx) error {
	info, err := h.links.OwnerInfo(userContext(c), c.Get(APIKeyHeader))
	if err != nil {
		return writeError(c, h.logger, "owner info", err)
	}
	return c.JSON(fiber.Map{
		"api_key":   info.APIKey,
		"role_id":   info.RoleID,
		"is_vip":    info.IsVIP,
		"url_count": info.URLCount,
	})
}

// URLCount handles GET /user/url_count
func (h *APIHandler) URLCount(c *fiber.Ctx) error {
	info, err := h.links.OwnerInfo(userContext(c), c.Get(APIKeyHeader))
	if err != nil {
		return writeError(c, h.logger, "url count", err)
	}
	return c.JSON(fiber.Map{"url_count": info.URLCount})
}

// CheckPhishing handles GET /check-phishing/?url=
func (h *APIHandler) CheckPhishing(c *fiber.Ctx) error {
	raw := c.Query("url")
	if raw == "" {
		return badRequest(c, "url is required")
	}
	verdict, err := h.links.CheckPhishing(userContext(c), raw)
	if err != nil {
		return writeError(c, h.logger, "check phishing", err)
	}
	var updated *time.Time
	if !verdict.FeedUpdatedAt.IsZero() {
		t := verdict.FeedUpdatedAt.UTC()
		updated = &t
	}
	return c.JSON(fiber.Map{
		"url":             verdict.URL,
		"is_phishing":     verdict.IsPhishing,
		"blacklisted":     verdict.Blacklisted,
		"feed_updated_at": updated,
	})
}
