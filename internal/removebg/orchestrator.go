package removebg

import (
	"context"
	"fmt"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"
)

// MaxConcurrency caps the number of simultaneous provider calls of one batch.
const MaxConcurrency = 16

// DefaultStrategy retries transient failures twice, waiting 800ms and then 1.6s.
var DefaultStrategy = retry.Strategy{
	Attempts: 3,
	Delay:    800 * time.Millisecond,
	Backoff:  2,
}

// provider performs a single background removal call.
type provider interface {
	Remove(ctx context.Context, req Request) ([]byte, error)
}

// normalizer re-encodes an image so the provider has a better chance of
// detecting its subject.
type normalizer interface {
	Prepare(data []byte) ([]byte, error)
}

// Item is one named input of a batch removal.
type Item struct {
	Name string
	Data []byte
}

// Options are shared by every item of a batch removal.
type Options struct {
	Size               string
	Concurrency        int
	BackgroundColor    string
	BackgroundImageURL string
}

// Result is the outcome for the item with the same index in the input.
type Result struct {
	Name string
	OK   bool
	Data []byte
	Err  error
}

// Orchestrator drives the provider with retries, the undetectable-subject
// fallback and a per-batch concurrency limit. It is stateless and safe for
// concurrent use.
type Orchestrator struct {
	provider   provider
	normalizer normalizer
	strategy   retry.Strategy
}

// NewOrchestrator creates a new Orchestrator. A nil normalizer disables the
// fallback submission.
func NewOrchestrator(p provider, n normalizer, s retry.Strategy) *Orchestrator {
	if s.Attempts < 1 {
		s.Attempts = 1
	}

	return &Orchestrator{
		provider:   p,
		normalizer: n,
		strategy:   s,
	}
}

// RemoveOne removes the background of a single image and returns the
// provider output unmodified.
func (o *Orchestrator) RemoveOne(ctx context.Context, req Request) ([]byte, error) {
	out, err := o.submit(ctx, req)
	if err == nil {
		return out, nil
	}
	if !Undetectable(err) || o.normalizer == nil {
		return nil, err
	}

	zlog.Logger.Warn().
		Str("file", req.Filename).
		Msg("subject not detected, resubmitting normalized image")

	prepared, prepErr := o.normalizer.Prepare(req.Data)
	if prepErr != nil {
		return nil, fmt.Errorf("fallback normalization: %w", prepErr)
	}

	fallback := req
	fallback.Data = prepared

	out, err = o.submit(ctx, fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}

	return out, nil
}

// RemoveMany runs RemoveOne for every item with at most opts.Concurrency
// calls in flight. The result has one entry per item, in input order, and
// item failures never affect their siblings.
func (o *Orchestrator) RemoveMany(ctx context.Context, items []Item, opts Options) []Result {
	results := make([]Result, len(items))

	var g errgroup.Group
	g.SetLimit(clampConcurrency(opts.Concurrency))

	for i, item := range items {
		g.Go(func() error {
			data, err := o.RemoveOne(ctx, Request{
				Data:               item.Data,
				Filename:           item.Name,
				Size:               opts.Size,
				BackgroundColor:    opts.BackgroundColor,
				BackgroundImageURL: opts.BackgroundImageURL,
			})
			if err != nil {
				zlog.Logger.Warn().
					Err(err).
					Str("file", item.Name).
					Msg("background removal failed")
				results[i] = Result{Name: item.Name, Err: err}
				return nil
			}

			results[i] = Result{Name: item.Name, OK: true, Data: data}
			return nil
		})
	}

	_ = g.Wait()

	return results
}

// submit calls the provider, repeating the call while it fails with a
// retryable error and the strategy allows. Waits between calls follow the
// strategy and end early when ctx is done. The last call's error is returned.
func (o *Orchestrator) submit(ctx context.Context, req Request) ([]byte, error) {
	var (
		out     []byte
		callErr error
		attempt int
	)

	delay := o.strategy.Delay
	backoff := o.strategy.Backoff
	if backoff < 1 {
		backoff = 1
	}

	// retry.Do counts attempts; the closure waits so cancellation interrupts it.
	_ = retry.Do(func() error {
		if attempt > 0 {
			if err := wait(ctx, delay); err != nil {
				callErr = err
				return nil
			}
			delay = time.Duration(float64(delay) * backoff)
		}
		attempt++

		if err := ctx.Err(); err != nil {
			callErr = err
			return nil
		}

		out, callErr = o.provider.Remove(ctx, req)
		if callErr != nil && Retryable(callErr) && attempt < o.strategy.Attempts {
			return callErr
		}
		return nil
	}, retry.Strategy{Attempts: o.strategy.Attempts})

	if callErr != nil {
		return nil, callErr
	}

	return out, nil
}

// wait sleeps for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clampConcurrency(n int) int {
	return min(max(n, 1), MaxConcurrency)
}
