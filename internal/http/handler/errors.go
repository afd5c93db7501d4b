package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/SafeLink/internal/app/service"
	"go.uber.org/zap"
)

type apiError struct {
	status int
	code   string
	reason string
}

var errorTable = []struct {
	target error
	apiError
}{
	{service.ErrInvalidURL, apiError{fiber.StatusBadRequest, "INVALID_URL", "invalid URL"}},
	{service.ErrInvalidCustomKey, apiError{fiber.StatusBadRequest, "INVALID_CUSTOM_KEY", "invalid custom key"}},
	{service.ErrInvalidRole, apiError{fiber.StatusBadRequest, "INVALID_ROLE", "invalid role"}},
	{service.ErrUnauthorized, apiError{fiber.StatusUnauthorized, "UNAUTHORIZED", "missing or unknown api key"}},
	{service.ErrForbiddenDestination, apiError{fiber.StatusForbidden, "FORBIDDEN_DESTINATION", "forbidden destination"}},
	{service.ErrCustomKeyNotAllowed, apiError{fiber.StatusForbidden, "CUSTOM_KEY_NOT_ALLOWED", "custom key not allowed"}},
	{service.ErrQuotaExceeded, apiError{fiber.StatusForbidden, "QUOTA_EXCEEDED", "quota exceeded"}},
	{service.ErrKeyInUse, apiError{fiber.StatusConflict, "KEY_IN_USE", "custom key already in use"}},
	{service.ErrLinkNotFound, apiError{fiber.StatusNotFound, "NOT_FOUND", "short link not found"}},
	{service.ErrUnreachable, apiError{fiber.StatusGatewayTimeout, "UNREACHABLE", "destination unreachable"}},
}

var errInternal = apiError{fiber.StatusInternalServerError, "INTERNAL", "internal server error"}

func lookupError(err error) (apiError, bool) {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.apiError, true
		}
	}
	return errInternal, false
}

// writeError renders err through the table. Anything unmapped is a 500 and gets logged.
func writeError(c *fiber.Ctx, logger *zap.Logger, op string, err error) error {
	e, known := lookupError(err)
	if !known {
		logger.Error(op+" failed", zap.Error(err), zap.String("path", c.Path()))
	}
	return c.Status(e.status).JSON(fiber.Map{
		"error": e.reason,
		"code":  e.code,
	})
}

func badRequest(c *fiber.Ctx, reason string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": reason,
		"code":  "INVALID_REQUEST",
	})
}
