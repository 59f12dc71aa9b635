package zen

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// analyzeParallel runs the per-file phase on a bounded worker pool. Each
// worker writes only its own slot, so results need no locking; the merge
// phase that follows is single-threaded and sees the slice fully populated.
func (e *Engine) analyzeParallel(ctx context.Context, files []discovered) ([]*fileAnalysis, error) {
	out := make([]*fileAnalysis, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = e.analyzeFile(f.path, f.isTU)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
