package removebg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
)

var fastStrategy = retry.Strategy{Attempts: 3, Delay: time.Millisecond, Backoff: 2}

type fakeProvider struct {
	mu    sync.Mutex
	calls [][]byte
	fn    func(call int, req Request) ([]byte, error)
}

func (p *fakeProvider) Remove(_ context.Context, req Request) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Data)
	n := len(p.calls)
	p.mu.Unlock()
	return p.fn(n, req)
}

func (p *fakeProvider) Calls() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.calls...)
}

type fakeNormalizer struct {
	calls atomic.Int32
	err   error
}

func (n *fakeNormalizer) Prepare(data []byte) ([]byte, error) {
	n.calls.Add(1)
	if n.err != nil {
		return nil, n.err
	}
	return append([]byte("prepared:"), data...), nil
}

func undetectable() error {
	return &ProviderError{Status: http.StatusBadRequest, Code: CodeUnknownForeground}
}

func TestRemoveOneSuccess(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) { return []byte("out"), nil }}
	o := NewOrchestrator(p, &fakeNormalizer{}, fastStrategy)

	out, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), out)
	assert.Len(t, p.Calls(), 1)
}

func TestRemoveOneRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{fn: func(call int, _ Request) ([]byte, error) {
		switch call {
		case 1:
			return nil, &TransportError{Err: errors.New("connection reset")}
		case 2:
			return nil, &ProviderError{Status: http.StatusTooManyRequests}
		}
		return []byte("out"), nil
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	out, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), out)
	assert.Len(t, p.Calls(), 3)
}

func TestRemoveOneExhaustsRetries(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, &ProviderError{Status: http.StatusServiceUnavailable, Body: []byte("busy")}
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.Status)
	assert.Equal(t, []byte("busy"), pe.Body)
	assert.Len(t, p.Calls(), 3)
}

func TestRemoveOneTransportErrorSurfaces(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, &TransportError{Err: errors.New("timeout")}
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})

	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Len(t, p.Calls(), 3)
}

func TestRemoveOneTerminalErrorIsNotRetried(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, &ProviderError{Status: http.StatusPaymentRequired, Code: "insufficient_credits"}
	}}
	n := &fakeNormalizer{}
	o := NewOrchestrator(p, n, fastStrategy)

	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	require.Error(t, err)
	assert.Len(t, p.Calls(), 1)
	assert.Zero(t, n.calls.Load())
}

func TestRemoveOneFallbackUsesNormalizedBytes(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req Request) ([]byte, error) {
		if call == 1 {
			return nil, undetectable()
		}
		return []byte("out"), nil
	}}
	n := &fakeNormalizer{}
	o := NewOrchestrator(p, n, fastStrategy)

	out, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), out)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []byte("in"), calls[0])
	assert.Equal(t, []byte("prepared:in"), calls[1])
	assert.EqualValues(t, 1, n.calls.Load())
}

func TestRemoveOneFallbackErrorSurfaces(t *testing.T) {
	fallbackErr := &ProviderError{Status: http.StatusForbidden, Code: "auth_failed"}
	p := &fakeProvider{fn: func(call int, _ Request) ([]byte, error) {
		if call == 1 {
			return nil, undetectable()
		}
		return nil, fallbackErr
	}}
	o := NewOrchestrator(p, &fakeNormalizer{}, fastStrategy)

	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Same(t, fallbackErr, pe)
	assert.Len(t, p.Calls(), 2)
}

func TestRemoveOneFallbackHappensOnce(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, undetectable()
	}}
	n := &fakeNormalizer{}
	o := NewOrchestrator(p, n, fastStrategy)

	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	assert.True(t, Undetectable(err))
	assert.Len(t, p.Calls(), 2)
	assert.EqualValues(t, 1, n.calls.Load())
}

func TestRemoveOneNormalizerFailure(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, undetectable()
	}}
	o := NewOrchestrator(p, &fakeNormalizer{err: errors.New("decode failed")}, fastStrategy)

	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failed")
	assert.Len(t, p.Calls(), 1)
}

func TestRemoveOneStopsRetryingWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		cancel()
		return nil, &TransportError{Err: errors.New("reset")}
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	_, err := o.RemoveOne(ctx, Request{Data: []byte("in")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, p.Calls(), 1)
}

func TestRemoveOneBacksOffOnlyBetweenAttempts(t *testing.T) {
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, &ProviderError{Status: http.StatusServiceUnavailable}
	}}
	o := NewOrchestrator(p, nil, retry.Strategy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: 2})

	start := time.Now()
	_, err := o.RemoveOne(context.Background(), Request{Data: []byte("in")})
	elapsed := time.Since(start)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, p.Calls(), 3)
	// 100ms + 200ms between the three calls, no wait after the last one.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestRemoveOneCancelInterruptsBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		return nil, &ProviderError{Status: http.StatusServiceUnavailable}
	}}
	o := NewOrchestrator(p, nil, retry.Strategy{Attempts: 3, Delay: 500 * time.Millisecond, Backoff: 2})

	start := time.Now()
	_, err := o.RemoveOne(ctx, Request{Data: []byte("in")})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, p.Calls(), 1)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestRemoveManyPreservesOrder(t *testing.T) {
	p := &fakeProvider{fn: func(_ int, req Request) ([]byte, error) {
		return append([]byte("out:"), req.Data...), nil
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	items := make([]Item, 5)
	for i := range items {
		items[i] = Item{Name: fmt.Sprintf("img%d.png", i), Data: []byte{byte('a' + i)}}
	}

	results := o.RemoveMany(context.Background(), items, Options{Concurrency: 2})
	require.Len(t, results, 5)
	for i, r := range results {
		assert.True(t, r.OK)
		assert.NoError(t, r.Err)
		assert.Equal(t, items[i].Name, r.Name)
		assert.Equal(t, append([]byte("out:"), items[i].Data...), r.Data)
	}
}

func TestRemoveManyIsolatesFailures(t *testing.T) {
	p := &fakeProvider{fn: func(_ int, req Request) ([]byte, error) {
		if bytes.Equal(req.Data, []byte("bad")) {
			return nil, &ProviderError{Status: http.StatusBadRequest, Code: "invalid_file"}
		}
		return []byte("ok"), nil
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	items := []Item{{"a.png", []byte("good")}, {"b.png", []byte("bad")}, {"c.png", []byte("good")}}
	results := o.RemoveMany(context.Background(), items, Options{Concurrency: 3})

	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "b.png", results[1].Name)
	assert.Error(t, results[1].Err)
	assert.Nil(t, results[1].Data)
	assert.True(t, results[2].OK)
}

func TestRemoveManyRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	p := &fakeProvider{fn: func(int, Request) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return []byte("ok"), nil
	}}
	o := NewOrchestrator(p, nil, fastStrategy)

	items := make([]Item, 12)
	for i := range items {
		items[i] = Item{Name: fmt.Sprintf("%d.png", i)}
	}

	results := o.RemoveMany(context.Background(), items, Options{Concurrency: 3})
	require.Len(t, results, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Len(t, p.Calls(), 12)
}

func TestRemoveManyEmpty(t *testing.T) {
	o := NewOrchestrator(&fakeProvider{}, nil, fastStrategy)
	assert.Empty(t, o.RemoveMany(context.Background(), nil, Options{}))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, clampConcurrency(0))
	assert.Equal(t, 1, clampConcurrency(-4))
	assert.Equal(t, 3, clampConcurrency(3))
	assert.Equal(t, MaxConcurrency, clampConcurrency(100))
}
