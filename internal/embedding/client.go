// Package embedding maps text to dense vectors through a Provider and offers
// the similarity primitives used by pattern discovery and construct matching.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/aperture/internal/metrics"
)

type Vector []float32

// Provider embeds a batch of texts, returning one vector per text in order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrEmptyText marks inputs that are blank after trimming.
var ErrEmptyText = errors.New("empty text")

// Error reports which inputs of an EmbedBatch call have no vector.
type Error struct {
	Failed []int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding failed for %d input(s): %v", len(e.Failed), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Options struct {
	BatchSize   int
	Concurrency int
	// Rate is provider calls per second; zero or less disables pacing.
	Rate    float64
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client embeds text with caching, batching and bounded parallelism.
type Client struct {
	provider Provider
	cache    Cache
	limiter  *rate.Limiter
	opts     Options
}

func New(p Provider, opts Options) *Client {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Client{
		provider: p,
		cache:    NewMemoryCache(),
		limiter:  rate.NewLimiter(limit, opts.Concurrency),
		opts:     opts,
	}
}

// WithCache returns a client sharing the provider and limiter but reading
// and writing the given cache.
func (c *Client) WithCache(cache Cache) *Client {
	cp := *c
	cp.cache = cache
	return &cp
}

func (c *Client) Embed(ctx context.Context, text string) (Vector, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order. When some provider
// calls fail the successful vectors are still returned, the failed positions
// are nil, and the error is an *Error listing them.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	positions := make(map[string][]int)
	var pending, blank []int
	var unique []string
	hits := 0
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			blank = append(blank, i)
			continue
		}
		if v, ok := c.cache.Get(ctx, t); ok {
			out[i] = v
			hits++
			continue
		}
		if _, seen := positions[t]; !seen {
			unique = append(unique, t)
		}
		positions[t] = append(positions[t], i)
		pending = append(pending, i)
	}
	c.opts.Metrics.CacheHit(hits)

	var (
		mu       sync.Mutex
		failed   []string
		firstErr error
	)
	if len(blank) > 0 {
		firstErr = ErrEmptyText
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for start := 0; start < len(unique); start += c.opts.BatchSize {
		batch := unique[start:min(start+c.opts.BatchSize, len(unique))]
		g.Go(func() error {
			vecs, err := c.call(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, batch...)
				if firstErr == nil || errors.Is(firstErr, ErrEmptyText) {
					firstErr = err
				}
				return nil
			}
			for j, t := range batch {
				v := Vector(vecs[j])
				c.cache.Set(ctx, t, v)
				for _, i := range positions[t] {
					out[i] = v
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr == nil {
		return out, nil
	}

	idx := append([]int(nil), blank...)
	for _, t := range failed {
		idx = append(idx, positions[t]...)
	}
	sort.Ints(idx)
	if len(failed) > 0 {
		c.opts.Logger.Warn("embedding batch failed", "failed", len(idx), "total", len(texts), "error", firstErr)
	}
	return out, &Error{Failed: idx, Err: firstErr}
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	vecs, err := c.provider.EmbedBatch(callCtx, batch)
	if err == nil && len(vecs) != len(batch) {
		err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))
	}
	c.opts.Metrics.EmbeddingCall(len(batch), err)
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(batch), err)
	}
	return vecs, nil
}
