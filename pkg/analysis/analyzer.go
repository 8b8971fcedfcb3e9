// Package analysis serves cacheable analysis operations. A request is
// answered from the result cache when possible; otherwise one remote stream
// is shared by every concurrent caller asking for the same key, and its text
// is cached once the stream completes with the sentinel.
package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/insight/pkg/cache/memory"
	"github.com/pario-ai/insight/pkg/metrics"
	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/orchestrator"
)

const recordTimeout = 5 * time.Second

// ErrInvalidRequest is returned when a request lacks a subject or operation.
var ErrInvalidRequest = errors.New("analysis request needs a subject and an operation")

// errAbandoned marks a shared fetch that was cancelled because every caller
// waiting on it had gone away.
var errAbandoned = errors.New("fetch abandoned")

// Request identifies one analysis.
type Request struct {
	SubjectID string
	Operation string
	Content   string
	Params    map[string]any
	// TTL overrides the cache TTL for this result when positive.
	TTL time.Duration
}

// Result is the outcome of Analyze.
type Result struct {
	Text   string
	Cached bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithUserID sets the user id sent with every request.
func WithUserID(id string) Option {
	return func(a *Analyzer) { a.userID = id }
}

// WithRecorder journals every fetch and cache hit.
func WithRecorder(r orchestrator.Recorder) Option {
	return func(a *Analyzer) { a.recorder = r }
}

// WithMetrics records cache and run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// flight is the cancellation scope of one shared fetch. It is cancelled when
// its last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Analyzer answers analysis requests. It is safe for concurrent use.
type Analyzer struct {
	client   orchestrator.Opener
	cache    *memory.Cache
	userID   string
	recorder orchestrator.Recorder
	metrics  *metrics.Metrics

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// New creates an Analyzer. A nil cache disables caching but keeps
// de-duplication of concurrent identical requests.
func New(client orchestrator.Opener, cache *memory.Cache, opts ...Option) *Analyzer {
	a := &Analyzer{
		client:  client,
		cache:   cache,
		flights: make(map[string]*flight),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze returns the text for req, from the cache or from the remote
// service. If ctx is cancelled while waiting, Analyze returns ctx.Err().
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	if req.SubjectID == "" || req.Operation == "" {
		return Result{}, ErrInvalidRequest
	}
	params := cacheParams(req.Params)

	if a.cache != nil {
		v, ok := a.cache.Get(req.SubjectID, req.Operation, params)
		a.metrics.CacheLookup(req.Operation, ok)
		if text, isText := v.(string); ok && isText {
			a.record(ctx, models.RunRecord{
				SubjectID: req.SubjectID,
				Operation: req.Operation,
				UserID:    a.userID,
				Outcome:   models.OutcomeDone,
				Chars:     len(text),
				Cached:    true,
			})
			return Result{Text: text, Cached: true}, nil
		}
	}

	key := memory.Key(req.SubjectID, req.Operation, params)
	for {
		f := a.join(ctx, key)
		ch := a.group.DoChan(key, func() (any, error) {
			return a.fetch(f.ctx, req, params)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			a.leave(key, f)
			return Result{}, ctx.Err()
		}
		a.leave(key, f)

		if errors.Is(res.Err, errAbandoned) {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			// joined a fetch that its own waiters abandoned; start another
			continue
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return Result{Text: res.Val.(string)}, nil
	}
}

// Invalidate removes cached results; see memory.Cache.Invalidate.
func (a *Analyzer) Invalidate(subjectID, operation string) int {
	if a.cache == nil {
		return 0
	}
	return a.cache.Invalidate(subjectID, operation)
}

// Info returns the cache diagnostic snapshot.
func (a *Analyzer) Info() models.CacheInfo {
	if a.cache == nil {
		return models.CacheInfo{}
	}
	return a.cache.Info()
}

func (a *Analyzer) join(ctx context.Context, key string) *flight {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		a.flights[key] = f
	}
	f.waiters++
	return f
}

func (a *Analyzer) leave(key string, f *flight) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if a.flights[key] == f {
		delete(a.flights, key)
	}
}

func (a *Analyzer) fetch(ctx context.Context, req Request, params any) (any, error) {
	runID := uuid.NewString()
	start := time.Now()
	a.metrics.RunStarted()

	res, err := orchestrator.Stream(ctx, a.client, models.AnalysisRequest{
		Operation: req.Operation,
		SubjectID: req.SubjectID,
		UserID:    a.userID,
		Content:   req.Content,
		History:   []models.ChatMessage{},
		Params:    req.Params,
		Stream:    true,
	}, nil)
	elapsed := time.Since(start)
	a.metrics.RunFinished(req.Operation, res.Outcome, res.Deltas, elapsed)

	logger := log.With().
		Str("run_id", runID).
		Str("subject_id", req.SubjectID).
		Str("operation", req.Operation).
		Str("outcome", string(res.Outcome)).
		Int64("latency_ms", elapsed.Milliseconds()).
		Logger()

	rec := models.RunRecord{
		RunID:     runID,
		SubjectID: req.SubjectID,
		Operation: req.Operation,
		UserID:    a.userID,
		Outcome:   res.Outcome,
		Chars:     len(res.Text),
		Deltas:    res.Deltas,
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: start,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	a.record(ctx, rec)

	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("analysis failed")
		return nil, err
	case res.Outcome == models.OutcomeCancelled:
		logger.Debug().Msg("analysis abandoned")
		return nil, errAbandoned
	case !res.Complete:
		logger.Info().Int("chars", len(res.Text)).Msg("stream closed without sentinel, not caching")
		return res.Text, nil
	}

	if a.cache != nil {
		a.cache.Set(req.SubjectID, req.Operation, res.Text, params, req.TTL)
	}
	logger.Debug().Int("chars", len(res.Text)).Msg("analysis complete")
	return res.Text, nil
}

func (a *Analyzer) record(ctx context.Context, rec models.RunRecord) {
	if a.recorder == nil {
		return
	}
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := a.recorder.Record(recCtx, rec); err != nil {
		log.Warn().Err(err).Str("run_id", rec.RunID).Msg("journal record failed")
	}
}

// cacheParams keeps a nil map out of the key, since a nil map stored in an
// interface is not a nil interface.
func cacheParams(p map[string]any) any {
	if p == nil {
		return nil
	}
	return p
}
