package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sandbox-sessions/internal/sandbox"
)

// StartMultiple executes several targets and waits for all of them. With
// parallel set, or every request hinting it, they run concurrently,
// bounded by MaxParallel; otherwise strictly in order. One target's
// failure never cancels its siblings.
func (o *Orchestrator) StartMultiple(ctx context.Context, reqs []Request, parallel bool) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no targets given", sandbox.ErrInvalidRequest)
	}
	if o.cfg.MaxTargets > 0 && len(reqs) > o.cfg.MaxTargets {
		return BatchResult{}, fmt.Errorf("%w: %d targets exceeds limit of %d", sandbox.ErrInvalidRequest, len(reqs), o.cfg.MaxTargets)
	}

	parallel = parallel || allHintParallel(reqs)

	results := make([]Result, len(reqs))
	execute := func(i int) {
		res, err := o.Execute(ctx, reqs[i])
		if err != nil && res.SessionID == "" {
			res = failedResult(reqs[i], err)
		}
		results[i] = res
	}

	if parallel {
		var g errgroup.Group
		g.SetLimit(o.cfg.MaxParallel)
		for i := range reqs {
			g.Go(func() error {
				execute(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range reqs {
			if ctx.Err() != nil {
				results[i] = failedResult(reqs[i], ctx.Err())
				continue
			}
			execute(i)
		}
	}

	batch := BatchResult{Results: results, Summary: Summary{Total: len(results)}}
	for _, res := range results {
		if res.Succeeded() {
			batch.Summary.Successful++
		} else {
			batch.Summary.Failed++
		}
	}
	log.Info().
		Int("total", batch.Summary.Total).
		Int("successful", batch.Summary.Successful).
		Int("failed", batch.Summary.Failed).
		Bool("parallel", parallel).
		Msg("batch finished")
	return batch, nil
}

func allHintParallel(reqs []Request) bool {
	for _, r := range reqs {
		if !r.ParallelHint {
			return false
		}
	}
	return true
}
