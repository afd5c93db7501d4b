package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sifan077/SafeLink/internal/app/service"
	"go.uber.org/zap"
)

// RegisterDeps groups dependencies of the API key registration endpoint.
type RegisterDeps struct {
	Logger *zap.Logger
	Auth   *service.Authorizer
	// Secret verifies HS256 bearer tokens; an empty secret rejects every call.
	Secret []byte
}

// RegisterHandler lets the identity service record issued API keys.
type RegisterHandler struct {
	logger   *zap.Logger
	auth     *service.Authorizer
	secret   []byte
	validate *validator.Validate
}

func NewRegisterHandler(deps RegisterDeps) *RegisterHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegisterHandler{
		logger:   logger,
		auth:     deps.Auth,
		secret:   deps.Secret,
		validate: validator.New(),
	}
}

func (h *RegisterHandler) Register(router fiber.Router) {
	router.Post("/api/register_api_key", h.RegisterAPIKey)
}

// RegisterAPIKeyRequest is the body of POST /api/register_api_key.
type RegisterAPIKeyRequest struct {
	APIKey string `json:"api_key" validate:"required,max=255"`
	RoleID int    `json:"role_id" validate:"required,min=1,max=3"`
}

// RegisterAPIKey handles POST /api/register_api_key
func (h *RegisterHandler) RegisterAPIKey(c *fiber.Ctx) error {
	if !h.verify(c.Get(fiber.HeaderAuthorization)) {
		return writeError(c, h.logger, "register api key", service.ErrUnauthorized)
	}

	var req RegisterAPIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, "api_key and a role_id between 1 and 3 are required")
	}

	p, err := h.auth.Register(userContext(c), req.APIKey, req.RoleID)
	if err != nil {
		return writeError(c, h.logger, "register api key", err)
	}
	h.logger.Info("api key registered", zap.Int("role_id", p.RoleID))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"api_key": p.APIKey,
		"role_id": p.RoleID,
	})
}

func (h *RegisterHandler) verify(header string) bool {
	if len(h.secret) == 0 {
		return false
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return false
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return err == nil && token.Valid
}
