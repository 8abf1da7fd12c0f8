package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/intel"
	"github.com/draftforge/webintel/internal/metrics"
)

// errJobAborted propagates an abort decision out of the extraction group.
var errJobAborted = errors.New("job aborted by recovery policy")

// batchOutcome collects one extraction batch's results. Failed holds the URLs
// that exhausted recovery along with the terminal result for each.
type batchOutcome struct {
	Pages  []intel.PageResult
	Failed []intel.PageResult
}

// extractBatch scrapes urls through one backend with bounded concurrency.
// Page-level faults are resolved in-loop through the fault handler; a page
// that exhausts recovery is recorded as failed without failing the batch. The
// only batch-level errors are an abort decision or context cancellation.
func (o *Orchestrator) extractBatch(ctx context.Context, backend intel.Backend, urls []string, handler *faults.Handler) (batchOutcome, error) {
	var (
		mu  sync.Mutex
		out batchOutcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, u := range urls {
		g.Go(func() error {
			page, ok, abort := o.scrapeURL(gctx, backend, u, handler)
			if abort {
				return errJobAborted
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				out.Pages = append(out.Pages, page)
			} else {
				out.Failed = append(out.Failed, page)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

// scrapeURL fetches one URL, retrying per the fault handler's decision. It
// returns the page, whether it succeeded, and whether the job must abort.
func (o *Orchestrator) scrapeURL(ctx context.Context, backend intel.Backend, u string, handler *faults.Handler) (intel.PageResult, bool, bool) {
	opts := faults.HandleOptions{
		MaxRetries:       o.cfg.MaxRetries,
		RetryDelay:       o.cfg.RetryDelay,
		FallbackStrategy: o.cfg.Fallback,
	}

	for {
		start := o.clock.Now()
		pages, err := backend.Scrape(ctx, []string{u})
		metrics.BackendDuration(string(backend.ID()), o.clock.Now().Sub(start).Seconds())

		var page intel.PageResult
		if len(pages) > 0 {
			page = pages[0]
		} else {
			page = intel.PageResult{URL: u, BackendID: backend.ID(), Success: false}
		}

		if err == nil && page.Success {
			handler.Clear(u)
			metrics.PageExtracted(string(backend.ID()), "ok")
			return page, true, false
		}

		cause := err
		if cause == nil {
			cause = resultError(page)
		}
		if page.Error == "" {
			page.Error = cause.Error()
		}
		page.Success = false

		decision := handler.Handle(cause, u, opts)
		if decision.ShouldRetry {
			metrics.ExtractionRetry(string(faults.Classify(cause)))
			o.logger.Debug("retrying page",
				zap.String("url", u),
				zap.String("backend", string(backend.ID())),
				zap.Duration("delay", decision.Delay),
			)
			select {
			case <-ctx.Done():
				return page, false, false
			case <-time.After(decision.Delay):
			}
			continue
		}

		metrics.PageExtracted(string(backend.ID()), "failed")
		if decision.ShouldAbort {
			o.logger.Error("page fault aborts job",
				zap.String("url", u),
				zap.String("reason", decision.UserMessage),
			)
			return page, false, true
		}
		o.logger.Warn("page skipped",
			zap.String("url", u),
			zap.String("backend", string(backend.ID())),
			zap.String("reason", decision.UserMessage),
		)
		return page, false, false
	}
}

// resultError reconstructs a typed error from a failed page result so the
// classifier sees the original status code.
func resultError(page intel.PageResult) error {
	if page.StatusCode >= 400 {
		return &faults.HTTPError{StatusCode: page.StatusCode, URL: page.URL}
	}
	if page.Error != "" {
		return errors.New(page.Error)
	}
	return errors.New("page fetch failed")
}
