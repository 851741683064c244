package engine

import (
	"context"
	"sync"

	"github.com/ppiankov/dataguard/internal/model"
)

// BatchItem is one proposal of a batch.
type BatchItem struct {
	Proposal model.Proposal    `json:"proposal"`
	Context  model.CallContext `json:"context"`
}

// BatchResult is the outcome for the item at the same index.
type BatchResult struct {
	Decision model.Decision
	Err      error
}

// EvaluateBatch evaluates items independently against the policy active at
// call start. Results are in input order; a failure affects only its own item.
func (e *Engine) EvaluateBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	if len(items) == 0 {
		return results
	}
	snap := e.active.Load()

	workers := e.workers
	if workers > len(items) {
		workers = len(items)
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					results[i] = BatchResult{Err: err}
					continue
				}
				d, err := e.evaluate(ctx, items[i].Proposal, items[i].Context, snap)
				results[i] = BatchResult{Decision: d, Err: err}
			}
		}()
	}
	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}
