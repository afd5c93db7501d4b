// Package keygen mints short keys and management secrets and validates
// caller-chosen aliases.
package keygen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultKeyLength    = 5
	DefaultSecretLength = 8
	MaxCustomKeyLength  = 15

	defaultExpectedKeys = 1_000_000
	falsePositiveRate   = 0.001
)

var (
	// ErrInvalidCustomKey signals an alias that is empty, too long, non-alphanumeric or reserved.
	ErrInvalidCustomKey = errors.New("invalid custom key")

	reserved = map[string]struct{}{
		"admin":   {},
		"api":     {},
		"url":     {},
		"user":    {},
		"ws":      {},
		"health":  {},
		"metrics": {},
	}
)

// Options tunes a Generator.
type Options struct {
	KeyLength    int
	SecretLength int
	ExpectedKeys uint
}

// Generator produces random keys and remembers which ones have been issued.
type Generator struct {
	keyLength    int
	secretLength int

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// New returns a Generator, applying defaults to zero-valued options.
func New(opts Options) *Generator {
	if opts.KeyLength <= 0 {
		opts.KeyLength = DefaultKeyLength
	}
	if opts.SecretLength <= 0 {
		opts.SecretLength = DefaultSecretLength
	}
	if opts.ExpectedKeys == 0 {
		opts.ExpectedKeys = defaultExpectedKeys
	}
	return &Generator{
		keyLength:    opts.KeyLength,
		secretLength: opts.SecretLength,
		filter:       bloom.NewWithEstimates(opts.ExpectedKeys, falsePositiveRate),
	}
}

// Key returns a fresh random key.
func (g *Generator) Key() (string, error) {
	return randomToken(g.keyLength)
}

// SecretFor derives the management secret for key. The underscore keeps
// secrets out of the key namespace.
func (g *Generator) SecretFor(key string) (string, error) {
	suffix, err := randomToken(g.secretLength)
	if err != nil {
		return "", err
	}
	return key + "_" + suffix, nil
}

// MaybeUsed reports whether key was probably issued already. False means definitely not.
func (g *Generator) MaybeUsed(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.filter.TestString(key)
}

// Remember records key as issued.
func (g *Generator) Remember(key string) {
	g.mu.Lock()
	g.filter.AddString(key)
	g.mu.Unlock()
}

// ValidateCustomKey checks the format of a caller-chosen key.
func ValidateCustomKey(candidate string) error {
	if candidate == "" || len(candidate) > MaxCustomKeyLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidCustomKey, MaxCustomKeyLength)
	}
	for _, r := range candidate {
		if !isAlphanumeric(r) {
			return fmt.Errorf("%w: only letters and digits are allowed", ErrInvalidCustomKey)
		}
	}
	if _, ok := reserved[strings.ToLower(candidate)]; ok {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidCustomKey, candidate)
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func randomToken(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("keygen: read random: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
