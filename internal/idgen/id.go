package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator hands out message and log identifiers. It owns its clock and
// entropy source so callers can pin both in tests.
type Generator struct {
	now     func() time.Time
	random  io.Reader
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithEntropy(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

func New(opts ...Option) *Generator {
	g := &Generator{
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.entropy = ulid.Monotonic(g.random, 0)
	return g
}

// MessageID returns 128 random bits, hex encoded (32 chars, no dashes).
func (g *Generator) MessageID() (string, error) {
	id, err := uuid.NewRandomFromReader(g.random)
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return hex.EncodeToString(id[:]), nil
}

// LogID returns a time-sortable id with the given prefix, e.g. "log_01J...".
func (g *Generator) LogID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	return fmt.Sprintf("%s_%s", prefix, id.String())
}
