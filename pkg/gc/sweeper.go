// Package gc removes orphaned blobs: bytes whose descriptor never made it
// into the registry, or was lost with an in-memory registry on restart.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xrypthon/pubdrive/pkg/blob"
	"github.com/xrypthon/pubdrive/pkg/logging"
	"github.com/xrypthon/pubdrive/pkg/registry"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// DefaultGrace keeps blobs of uploads still in flight out of reach.
const DefaultGrace = 10 * time.Minute

// WalkStore is a blob store that can enumerate its contents.
type WalkStore interface {
	blob.Store
	blob.Walker
}

// Options configures a Sweeper.
type Options struct {
	Registry registry.Registry
	Blobs    WalkStore
	// Grace is the minimum age of a blob before it may be swept.
	Grace time.Duration
	// BatchSize caps deletions per pass; zero means unlimited.
	BatchSize int
	Logger    logging.Logger
	Now       func() time.Time
}

// Sweeper deletes blobs that have no descriptor.
type Sweeper struct {
	registry  registry.Registry
	blobs     WalkStore
	grace     time.Duration
	batchSize int
	log       logging.Logger
	now       func() time.Time
}

// NewSweeper wires the registry and blob store for orphan collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		registry:  opts.Registry,
		blobs:     opts.Blobs,
		grace:     grace,
		batchSize: opts.BatchSize,
		log:       log,
		now:       now,
	}
}

var errStop = errors.New("batch full")

// Sweep performs one pass and returns the number of blobs deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.registry == nil || s.blobs == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	cutoff := s.now().Add(-s.grace)
	var orphans []string
	err := s.blobs.Walk(ctx, func(e blob.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.ModTime.After(cutoff) {
			return nil
		}
		orphan, err := s.isOrphan(ctx, e.ID)
		if err != nil {
			return err
		}
		if orphan {
			orphans = append(orphans, e.ID)
			if s.batchSize > 0 && len(orphans) >= s.batchSize {
				return errStop
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return 0, err
	}

	var total int
	for _, id := range orphans {
		// An upload may have registered the id since the walk.
		orphan, err := s.isOrphan(ctx, id)
		if err != nil {
			return total, err
		}
		if !orphan {
			continue
		}
		if err := s.blobs.Delete(ctx, id); err != nil {
			return total, err
		}
		s.log.Info(ctx, "orphan blob removed", "id", id)
		total++
	}
	return total, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn(ctx, "gc sweep failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (s *Sweeper) isOrphan(ctx context.Context, id string) (bool, error) {
	_, err := s.registry.Get(ctx, id)
	switch {
	case err == nil:
		return false, nil
	case xerrors.Is(err, xerrors.KindNotFound):
		return true, nil
	default:
		return false, err
	}
}
