package recommend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellwise/dwellwise/pkg/cache"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/provider"
	"github.com/dwellwise/dwellwise/pkg/stream"
)

type fakeCompleter struct {
	calls   atomic.Int32
	content atomic.Value // string
	err     error
	gate    chan struct{}
}

func newCompleter(content string) *fakeCompleter {
	f := &fakeCompleter{}
	f.content.Store(content)
	return f
}

func (f *fakeCompleter) Complete(ctx context.Context, req provider.Request) (*models.ContentResponse, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.ContentResponse{Content: f.content.Load().(string)}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const reply = "```json\n[{\"label\":\"Pull comps for Elm St\",\"command\":\"/comps elm\",\"kind\":\"artifact\"},{\"label\":\"Review pre-approval\",\"command\":\"/review\",\"kind\":\"thinking\"}]\n```"

func TestMissFetchesAndCaches(t *testing.T) {
	gen := newCompleter(reply)
	svc := New(cache.New(nil, cache.Options{}), gen, Options{})
	ctx := context.Background()

	res, err := svc.Actions(ctx, "buyer-1", "first-time buyer")
	require.NoError(t, err)
	assert.Equal(t, SourceFetched, res.Source)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "Pull comps for Elm St", res.Actions[0].Label)
	assert.NotEmpty(t, res.Actions[0].ID)
	assert.Equal(t, models.ActionThinking, res.Actions[1].Kind)

	again, err := svc.Actions(ctx, "buyer-1", "first-time buyer")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, again.Source)
	assert.Equal(t, models.StatusValid, again.Status)
	assert.Equal(t, res.Actions, again.Actions)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestStaleServedWhileRefreshing(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	gen := newCompleter(`[{"label":"old"}]`)
	svc := New(cache.New(nil, cache.Options{Clock: clk.Now}), gen, Options{})
	ctx := context.Background()

	_, err := svc.Actions(ctx, "buyer-1", "b")
	require.NoError(t, err)

	clk.Advance(61 * time.Minute)
	gen.content.Store(`[{"label":"new"}]`)

	res, err := svc.Actions(ctx, "buyer-1", "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStale, res.Status)
	assert.True(t, res.Refreshing)
	assert.Equal(t, "old", res.Actions[0].Label)

	svc.Wait()
	res, err = svc.Actions(ctx, "buyer-1", "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValid, res.Status)
	assert.Equal(t, "new", res.Actions[0].Label)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	gen := newCompleter(reply)
	gen.gate = make(chan struct{})
	svc := New(cache.New(nil, cache.Options{}), gen, Options{})

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.Actions(context.Background(), "buyer-1", "b")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	require.Eventually(t, func() bool { return gen.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gen.gate)
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load())
	for _, r := range results {
		require.Len(t, r.Actions, 2)
	}
}

func TestFetchErrorIsNotCached(t *testing.T) {
	gen := newCompleter(reply)
	gen.err = &stream.Error{Kind: stream.KindRateLimited, StatusCode: 429}
	c := cache.New(nil, cache.Options{})
	svc := New(c, gen, Options{})

	_, err := svc.Actions(context.Background(), "buyer-1", "b")
	require.ErrorIs(t, err, stream.ErrRateLimited)
	_, ok := c.Get(context.Background(), "buyer-1")
	assert.False(t, ok)
}

func TestCallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	gen := newCompleter(reply)
	gen.gate = make(chan struct{})
	c := cache.New(nil, cache.Options{})
	svc := New(c, gen, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Actions(ctx, "buyer-1", "b")
		done <- err
	}()
	require.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(gen.gate)
	require.Eventually(t, func() bool {
		_, ok := c.Get(context.Background(), "buyer-1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	gen := newCompleter(reply)
	svc := New(cache.New(nil, cache.Options{}), gen, Options{})
	ctx := context.Background()

	_, err := svc.Actions(ctx, "buyer-1", "b")
	require.NoError(t, err)
	svc.Invalidate(ctx, "buyer-1")

	res, err := svc.Actions(ctx, "buyer-1", "b")
	require.NoError(t, err)
	assert.Equal(t, SourceFetched, res.Source)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestParseActions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		labels  []string
		wantErr error
	}{
		{name: "bare array", content: `[{"label":"a","command":"/a"}]`, labels: []string{"a"}},
		{name: "fenced", content: reply, labels: []string{"Pull comps for Elm St", "Review pre-approval"}},
		{name: "prose around", content: "Here you go:\n[{\"label\":\"x\"}]\nGood luck!", labels: []string{"x"}},
		{name: "blank labels dropped", content: `[{"label":" "},{"label":"keep"}]`, labels: []string{"keep"}},
		{name: "no array", content: "I cannot help with that.", wantErr: ErrNoActions},
		{name: "empty array", content: "[]", wantErr: ErrNoActions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseActions(tt.content)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var labels []string
			for _, a := range got {
				labels = append(labels, a.Label)
				assert.NotEmpty(t, a.Kind)
			}
			assert.Equal(t, tt.labels, labels)
		})
	}

	_, err := ParseActions(`[{"label": }]`)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoActions))
}
