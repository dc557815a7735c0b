package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/suPer8Hu/jobflow/internal/jobs"
)

var ErrUnknownType = errors.New("unknown job type")

// Body computes the result of one job. It runs to completion; there is no per-job deadline.
type Body func(ctx context.Context) (jobs.Result, error)

type Registry struct {
	mu     sync.RWMutex
	bodies map[jobs.Type]Body
}

func NewRegistry() *Registry {
	return &Registry{bodies: make(map[jobs.Type]Body)}
}

func (r *Registry) Register(t jobs.Type, b Body) {
	t = jobs.Type(strings.ToLower(strings.TrimSpace(string(t))))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[t] = b
}

func (r *Registry) Get(t jobs.Type) (Body, error) {
	r.mu.RLock()
	b, ok := r.bodies[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return b, nil
}

type BodyConfig struct {
	PrimeLimit int
	SortSize   int
	BcryptCost int
}

// DefaultRegistry wires the three built-in job bodies.
func DefaultRegistry(cfg BodyConfig) *Registry {
	r := NewRegistry()
	r.Register(jobs.TypePrime, PrimeBody(cfg.PrimeLimit))
	r.Register(jobs.TypeSort, SortBody(cfg.SortSize))
	r.Register(jobs.TypeBcrypt, BcryptBody(cfg.BcryptCost))
	return r
}
