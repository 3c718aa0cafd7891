// Package shortcode hands out human-typable aliases for live credentials.
package shortcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

const (
	Alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	Length      = 6
	maxAttempts = 16
)

var ErrExhausted = errors.New("no free short code after retries")

// Allocator maps live short codes to token ids. Released codes are kept as
// tombstones until they are drawn again or forgotten, so a late scan of a
// spent code can still be traced to its token.
type Allocator struct {
	mu       sync.Mutex
	codes    map[string]string
	retired  map[string]string
	generate func() (string, error)
}

type Option func(*Allocator)

// WithGenerator replaces the random draw. Used by tests to force collisions.
func WithGenerator(fn func() (string, error)) Option {
	return func(a *Allocator) {
		a.generate = fn
	}
}

func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		codes:    make(map[string]string),
		retired:  make(map[string]string),
		generate: randomCode,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate draws a code not currently live and binds it to tokenID.
func (a *Allocator) Allocate(tokenID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := a.generate()
		if err != nil {
			return "", fmt.Errorf("draw short code: %w", err)
		}
		if _, taken := a.codes[code]; taken {
			continue
		}
		a.codes[code] = tokenID
		delete(a.retired, code)
		return code, nil
	}
	return "", ErrExhausted
}

// Resolve matches live codes only.
func (a *Allocator) Resolve(code string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tokenID, ok := a.codes[Normalize(code)]
	return tokenID, ok
}

// Lookup matches live codes and tombstones.
func (a *Allocator) Lookup(code string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	code = Normalize(code)
	if tokenID, ok := a.codes[code]; ok {
		return tokenID, true
	}
	tokenID, ok := a.retired[code]
	return tokenID, ok
}

// Release is idempotent. The code becomes available for new draws.
func (a *Allocator) Release(code string) {
	if code == "" {
		return
	}
	code = Normalize(code)

	a.mu.Lock()
	defer a.mu.Unlock()

	if tokenID, ok := a.codes[code]; ok {
		delete(a.codes, code)
		a.retired[code] = tokenID
	}
}

// Forget drops the tombstone for code if it still belongs to tokenID.
func (a *Allocator) Forget(code, tokenID string) {
	code = Normalize(code)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retired[code] == tokenID {
		delete(a.retired, code)
	}
}

func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.codes)
}

func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func randomCode() (string, error) {
	buf := make([]byte, Length)
	limit := big.NewInt(int64(len(Alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}
