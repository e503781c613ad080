// Package device provides the execution context of a training run. A
// Context is created once per run, passed explicitly to every component that
// needs workers or randomness, and closed when the run ends.
package device

import (
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
)

// Context owns the per-run compute configuration
type Context struct {
	// ID identifies the run in result files and checkpoint manifests.
	ID uuid.UUID

	// Workers bounds the parallelism of evaluation.
	Workers int

	// Seed derives every random stream of the run.
	Seed int64

	// Brand and Features describe the host CPU.
	Brand    string
	Features []string

	mu     sync.Mutex
	closed bool
}

// Option configures a Context
type Option func(*Context)

// WithWorkers overrides the detected worker count
func WithWorkers(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.Workers = n
		}
	}
}

// WithSeed fixes the seed of all random streams
func WithSeed(seed int64) Option {
	return func(c *Context) {
		c.Seed = seed
	}
}

// New detects the host and returns a fresh context
func New(opts ...Option) *Context {
	c := &Context{
		ID:      uuid.New(),
		Workers: detectWorkers(),
		Seed:    time.Now().UnixNano(),
		Brand:   cpuid.CPU.BrandName,
	}
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			c.Features = append(c.Features, f.String())
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func detectWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Rand returns a random source for the given stream. Streams with different
// ids are independent; the same id always yields the same sequence.
func (c *Context) Rand(stream int64) *rand.Rand {
	return rand.New(rand.NewSource(c.Seed + stream*7919))
}

// Describe returns a one-line summary of the context
func (c *Context) Describe() string {
	features := "none"
	if len(c.Features) > 0 {
		features = strings.Join(c.Features, ",")
	}
	return fmt.Sprintf("run %s: %d workers, cpu %q [%s]", c.ID, c.Workers, c.Brand, features)
}

// Close tears the context down. Closing twice is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
