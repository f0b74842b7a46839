package inference

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/nvr-ai/derm-screen/assets"
	"github.com/nvr-ai/derm-screen/errs"
)

// Loader produces a ready Runner.
type Loader func(ctx context.Context) (Runner, error)

// AssetFetcher retrieves the model payload.
type AssetFetcher interface {
	Fetch(ctx context.Context) (*assets.ModelAsset, error)
}

// FetchAndOpen returns a Loader that fetches the model and hands it to open.
// A failed fetch never reaches open.
func FetchAndOpen(f AssetFetcher, open func(*assets.ModelAsset) (Runner, error)) Loader {
	return func(ctx context.Context) (Runner, error) {
		asset, err := f.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		return open(asset)
	}
}

// SessionOpener adapts NewSession for FetchAndOpen.
func SessionOpener(cfg SessionConfig) func(*assets.ModelAsset) (Runner, error) {
	return func(a *assets.ModelAsset) (Runner, error) {
		s, err := NewSession(a, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Slot owns the process's single Runner. The first Get loads it; concurrent
// callers share that load. Failed loads are not remembered.
type Slot struct {
	load  Loader
	group singleflight.Group
	loads atomic.Int64

	mu     sync.Mutex
	runner Runner
}

// NewSlot creates an empty slot.
func NewSlot(load Loader) *Slot {
	return &Slot{load: load}
}

// Get returns the cached Runner, loading it if needed. The load itself is
// not bound to ctx, so one caller giving up does not fail the others; ctx
// only bounds how long this caller waits.
//
// Arguments:
//   - ctx: Bounds the wait.
//
// Returns:
//   - Runner: The shared runner.
//   - error: The load error, or Canceled when ctx ends first.
func (s *Slot) Get(ctx context.Context) (Runner, error) {
	if r := s.cached(); r != nil {
		return r, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext("inference.slot", err)
	}

	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan("runner", func() (any, error) {
		if r := s.cached(); r != nil {
			return r, nil
		}
		s.loads.Add(1)
		r, err := s.load(detached)
		if err != nil {
			log.Warn().Err(err).Str("kind", errs.KindOf(err).String()).Msg("session load failed")
			return nil, err
		}
		if r == nil {
			return nil, errs.Errorf(errs.Internal, "inference.slot", "loader returned no runner")
		}
		s.mu.Lock()
		s.runner = r
		s.mu.Unlock()
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Runner), nil
	case <-ctx.Done():
		return nil, errs.FromContext("inference.slot", ctx.Err())
	}
}

// Loaded reports whether a Runner is cached.
func (s *Slot) Loaded() bool { return s.cached() != nil }

// Loads returns how many loads have been started.
func (s *Slot) Loads() int64 { return s.loads.Load() }

// Discard closes and forgets the cached Runner so the next Get loads afresh.
// Runs still holding the old Runner must have finished.
func (s *Slot) Discard() error {
	s.mu.Lock()
	r := s.runner
	s.runner = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}

func (s *Slot) cached() Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner
}
