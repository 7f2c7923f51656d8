package timeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// FrameRateSource looks up the frame rate of a video.
type FrameRateSource interface {
	FrameRate(ctx context.Context, videoID string) (float64, error)
}

// FrameRateFunc adapts a function to FrameRateSource.
type FrameRateFunc func(ctx context.Context, videoID string) (float64, error)

func (f FrameRateFunc) FrameRate(ctx context.Context, videoID string) (float64, error) {
	return f(ctx, videoID)
}

// Static serves frame rates from a fixed map.
type Static map[string]float64

func (s Static) FrameRate(_ context.Context, videoID string) (float64, error) {
	fps, ok := s[videoID]
	if !ok {
		return 0, identity.Errorf(identity.KindLookupFailure, "timeline.static", "no frame rate for video %q", videoID)
	}
	return fps, nil
}

// Chain tries each source in order and returns the first positive rate.
// Nil entries are skipped.
type Chain []FrameRateSource

func (c Chain) FrameRate(ctx context.Context, videoID string) (float64, error) {
	var errs []error
	for _, src := range c {
		if src == nil {
			continue
		}
		fps, err := src.FrameRate(ctx, videoID)
		if err == nil && validRate(fps) {
			return fps, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return 0, identity.Errorf(identity.KindLookupFailure, "timeline.chain", "no source knows video %q", videoID)
	}
	return 0, identity.Wrap(identity.KindLookupFailure, "timeline.chain", errors.Join(errs...))
}

// Resolver turns a FrameRateSource into an infallible frame-rate lookup.
type Resolver struct {
	// Source is consulted for every lookup. Nil means every video uses
	// Default.
	Source FrameRateSource

	// Default replaces failed or non-positive lookups. Zero means
	// DefaultFPS.
	Default float64

	// Logger receives LookupFailure diagnostics at debug level.
	Logger *slog.Logger
}

func (r *Resolver) fallback() float64 {
	if r != nil && validRate(r.Default) {
		return r.Default
	}
	return DefaultFPS
}

// FPS returns the frame rate of videoID, or the fallback rate if the
// source fails or reports a value <= 0. It never fails.
func (r *Resolver) FPS(ctx context.Context, videoID string) float64 {
	if r == nil || r.Source == nil {
		return r.fallback()
	}
	fps, err := r.Source.FrameRate(ctx, videoID)
	if err != nil || !validRate(fps) {
		logger := r.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.DebugContext(ctx, "frame rate unavailable, using default",
			"video", videoID,
			"kind", identity.KindLookupFailure,
			"reported", fps,
			"default", r.fallback(),
			"error", err,
		)
		return r.fallback()
	}
	return fps
}

// NewCache returns an empty cache bound to r. Create one per ranking call.
func (r *Resolver) NewCache() *Cache {
	return &Cache{resolver: r, rates: make(map[string]float64)}
}

// Cache memoizes Resolver.FPS per video id. It is safe for concurrent use;
// concurrent misses for the same id share one lookup.
type Cache struct {
	resolver *Resolver
	group    singleflight.Group

	mu    sync.Mutex
	rates map[string]float64
}

// FPS returns the cached rate for videoID, resolving it on first use.
func (c *Cache) FPS(ctx context.Context, videoID string) float64 {
	c.mu.Lock()
	fps, ok := c.rates[videoID]
	c.mu.Unlock()
	if ok {
		return fps
	}

	v, _, _ := c.group.Do(videoID, func() (any, error) {
		c.mu.Lock()
		if fps, ok := c.rates[videoID]; ok {
			c.mu.Unlock()
			return fps, nil
		}
		c.mu.Unlock()

		fps := c.resolver.FPS(ctx, videoID)

		c.mu.Lock()
		c.rates[videoID] = fps
		c.mu.Unlock()
		return fps, nil
	})
	return v.(float64)
}

// Len returns the number of distinct videos resolved so far.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rates)
}
