package batch

import (
	"context"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/models"
)

type outcome struct {
	result models.OpResult
	err    error
}

// Future resolves to the outcome of one enqueued operation after its batch
// has been flushed and cache invalidation has completed.
type Future struct {
	ch chan outcome
}

func newFuture() *Future {
	return &Future{ch: make(chan outcome, 1)}
}

// Wait blocks until the operation resolves or ctx ends. Cancellation
// abandons the result; the write itself still lands.
func (f *Future) Wait(ctx context.Context) (models.OpResult, error) {
	select {
	case out := <-f.ch:
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return models.OpResult{}, sgerrors.Wrap(sgerrors.CodeTimeout, "wait for batch result timed out", ctx.Err())
		}
		return models.OpResult{}, sgerrors.Wrap(sgerrors.CodeCancelled, "wait for batch result cancelled", ctx.Err())
	}
}

func (f *Future) resolve(result models.OpResult) {
	f.ch <- outcome{result: result}
}

func (f *Future) fail(err error) {
	f.ch <- outcome{err: err}
}
