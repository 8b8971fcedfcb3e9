package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/insight/pkg/cache/memory"
	"github.com/pario-ai/insight/pkg/config"
	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/orchestrator"
	"github.com/pario-ai/insight/pkg/transport"
)

type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

// newUpstream serves handler and counts requests.
func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, req models.AnalysisRequest)) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		var req models.AnalysisRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		handler(w, r, req)
	}))
	t.Cleanup(u.Close)
	return u
}

func writeStream(w http.ResponseWriter, done bool, parts ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range parts {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", p)
		w.(http.Flusher).Flush()
	}
	if done {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newAnalyzer(t *testing.T, u *upstream, opts ...Option) (*Analyzer, *memory.Cache) {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoints = []config.EndpointConfig{{Name: "default", URL: u.URL, Credential: "tok"}}
	c := memory.New(memory.Options{TTL: time.Minute, MaxEntries: 10})
	return New(transport.New(cfg), c, opts...), c
}

func TestAnalyzeCachesCompleteResult(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, req models.AnalysisRequest) {
		assert.Equal(t, "summarize", req.Operation)
		assert.Equal(t, "deal-1", req.SubjectID)
		writeStream(w, true, "Deal ", "summary")
	})
	a, _ := newAnalyzer(t, u)
	ctx := context.Background()
	req := Request{SubjectID: "deal-1", Operation: "summarize", Content: "notes"}

	res, err := a.Analyze(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "Deal summary"}, res)

	res, err = a.Analyze(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "Deal summary", Cached: true}, res)
	assert.Equal(t, int32(1), u.hits.Load())

	info := a.Info()
	assert.Equal(t, 1, info.Total)
	assert.Equal(t, int64(1), info.Stats.Hits)
	assert.Equal(t, int64(1), info.Stats.Misses)
}

func TestAnalyzeParamsAreSeparateEntries(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, req models.AnalysisRequest) {
		writeStream(w, true, fmt.Sprintf("%v", req.Params["length"]))
	})
	a, _ := newAnalyzer(t, u)
	ctx := context.Background()

	short, err := a.Analyze(ctx, Request{SubjectID: "deal-1", Operation: "score", Params: map[string]any{"length": "short"}})
	require.NoError(t, err)
	long, err := a.Analyze(ctx, Request{SubjectID: "deal-1", Operation: "score", Params: map[string]any{"length": "long"}})
	require.NoError(t, err)

	assert.Equal(t, "short", short.Text)
	assert.Equal(t, "long", long.Text)
	assert.Equal(t, int32(2), u.hits.Load())

	again, err := a.Analyze(ctx, Request{SubjectID: "deal-1", Operation: "score", Params: map[string]any{"length": "short"}})
	require.NoError(t, err)
	assert.True(t, again.Cached)
}

func TestAnalyzeSharesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		<-release
		writeStream(w, true, "shared")
	})
	a, _ := newAnalyzer(t, u)
	req := Request{SubjectID: "deal-1", Operation: "summarize"}
	key := memory.Key("deal-1", "summarize", nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Analyze(context.Background(), req)
			assert.NoError(t, err)
			results <- res
		}()
	}

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		f := a.flights[key]
		return f != nil && f.waiters == callers
	}, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, "shared", res.Text)
	}
	assert.Equal(t, int32(1), u.hits.Load())
}

func TestAnalyzeSoftCompletionNotCached(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		writeStream(w, false, "truncated")
	})
	a, c := newAnalyzer(t, u)
	req := Request{SubjectID: "deal-1", Operation: "summarize"}

	for i := 0; i < 2; i++ {
		res, err := a.Analyze(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, Result{Text: "truncated"}, res)
	}
	assert.Equal(t, int32(2), u.hits.Load())
	assert.Zero(t, c.Len())
}

func TestAnalyzeErrorNotCached(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		http.Error(w, "function crashed", http.StatusInternalServerError)
	})
	a, c := newAnalyzer(t, u)
	req := Request{SubjectID: "deal-1", Operation: "summarize"}

	_, err := a.Analyze(context.Background(), req)
	var runErr *orchestrator.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, orchestrator.KindTransport, runErr.Kind)
	assert.Contains(t, err.Error(), "function crashed")

	_, err = a.Analyze(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, int32(2), u.hits.Load())
	assert.Zero(t, c.Len())
}

func TestAnalyzeCallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	release := make(chan struct{})
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		<-release
		writeStream(w, true, "kept")
	})
	a, c := newAnalyzer(t, u)
	req := Request{SubjectID: "deal-1", Operation: "summarize"}
	key := memory.Key("deal-1", "summarize", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := a.Analyze(ctx, req)
		cancelled <- err
	}()
	patient := make(chan Result, 1)
	go func() {
		res, err := a.Analyze(context.Background(), req)
		assert.NoError(t, err)
		patient <- res
	}()

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		f := a.flights[key]
		return f != nil && f.waiters == 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(release)
	assert.Equal(t, "kept", (<-patient).Text)
	assert.Equal(t, 1, c.Len())
}

func TestAnalyzeLastCallerCancelReleasesConnection(t *testing.T) {
	disconnected := make(chan struct{})
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ models.AnalysisRequest) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(disconnected)
	})
	a, c := newAnalyzer(t, u)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Analyze(ctx, Request{SubjectID: "deal-1", Operation: "summarize"})
		done <- err
	}()

	assert.Eventually(t, func() bool { return u.hits.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection not released")
	}
	assert.Zero(t, c.Len())
}

func TestAnalyzeInvalidate(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		writeStream(w, true, "v")
	})
	a, _ := newAnalyzer(t, u)
	req := Request{SubjectID: "deal-1", Operation: "summarize"}

	_, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Invalidate("deal-1", ""))

	res, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), u.hits.Load())
}

func TestAnalyzeWithoutCache(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		writeStream(w, true, "fresh")
	})
	cfg := config.Default()
	cfg.Endpoints = []config.EndpointConfig{{Name: "default", URL: u.URL}}
	a := New(transport.New(cfg), nil)

	for i := 0; i < 2; i++ {
		res, err := a.Analyze(context.Background(), Request{SubjectID: "deal-1", Operation: "summarize"})
		require.NoError(t, err)
		assert.Equal(t, Result{Text: "fresh"}, res)
	}
	assert.Equal(t, int32(2), u.hits.Load())
	assert.Zero(t, a.Invalidate("", ""))
	assert.Equal(t, models.CacheInfo{}, a.Info())
}

func TestAnalyzeInvalidRequest(t *testing.T) {
	a := New(nil, nil)
	_, err := a.Analyze(context.Background(), Request{SubjectID: "deal-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type captureRecorder struct {
	mu   sync.Mutex
	runs []models.RunRecord
}

func (r *captureRecorder) Record(_ context.Context, rec models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

func TestAnalyzeRecordsRuns(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ models.AnalysisRequest) {
		writeStream(w, true, "ok")
	})
	rec := &captureRecorder{}
	a, _ := newAnalyzer(t, u, WithRecorder(rec), WithUserID("user-7"))
	req := Request{SubjectID: "deal-1", Operation: "summarize"}

	_, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), req)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.runs, 2)
	assert.False(t, rec.runs[0].Cached)
	assert.Equal(t, 1, rec.runs[0].Deltas)
	assert.True(t, rec.runs[1].Cached)
	for _, r := range rec.runs {
		assert.NotEmpty(t, r.RunID)
		assert.Equal(t, "user-7", r.UserID)
		assert.Equal(t, models.OutcomeDone, r.Outcome)
		assert.Equal(t, 2, r.Chars)
	}
}
