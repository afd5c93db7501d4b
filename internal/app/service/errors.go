package service

import (
	"errors"

	"github.com/sifan077/SafeLink/internal/app/keygen"
	"github.com/sifan077/SafeLink/internal/app/urlnorm"
)

var (
	ErrInvalidURL           = urlnorm.ErrInvalid
	ErrInvalidCustomKey     = keygen.ErrInvalidCustomKey
	ErrForbiddenDestination = errors.New("forbidden destination")
	ErrCustomKeyNotAllowed  = errors.New("custom key not allowed")
	ErrKeyInUse             = errors.New("custom key already in use")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidRole          = errors.New("invalid role")
	ErrLinkNotFound         = errors.New("link not found")
	ErrUnreachable          = errors.New("destination unreachable")
	ErrInternalAddress      = errors.New("internal address refused")
	// ErrKeySpaceExhausted means key generation kept colliding; the key length is too short.
	ErrKeySpaceExhausted = errors.New("key space exhausted")
)
