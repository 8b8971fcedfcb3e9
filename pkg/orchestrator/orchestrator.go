// Package orchestrator owns the lifecycle of streamed "ask" runs: at most one
// run per Orchestrator is live, its text is accumulated into an observable
// State, and cancellation is a silent outcome rather than an error.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pario-ai/insight/pkg/metrics"
	"github.com/pario-ai/insight/pkg/models"
)

const (
	defaultOperation = "chat"
	recordTimeout    = 5 * time.Second
)

// Recorder persists finished runs. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, rec models.RunRecord) error
}

// State is the observable view of the current run.
type State struct {
	RunID     string
	Streaming bool
	Content   string
	// Err is the failure of the last run, nil otherwise.
	Err     error
	Outcome models.RunOutcome
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithUserID sets the user id sent with every request.
func WithUserID(id string) Option {
	return func(o *Orchestrator) { o.userID = id }
}

// WithOperation sets the operation name sent with every request.
func WithOperation(op string) Option {
	return func(o *Orchestrator) { o.operation = op }
}

// WithRecorder journals every finished run.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type observer struct {
	id int
	fn func(State)
}

// Orchestrator runs one conversation slot. It is safe for concurrent use.
type Orchestrator struct {
	client    Opener
	userID    string
	operation string
	recorder  Recorder
	metrics   *metrics.Metrics

	mu        sync.Mutex
	gen       uint64
	current   *Handle
	state     State
	observers []observer
	nextObs   int
}

// New creates an Orchestrator that opens streams through client.
func New(client Opener, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		operation: defaultOperation,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle is one started run. Its generation token decides whether it may
// still write to the Orchestrator's State.
type Handle struct {
	gen    uint64
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	text    string
	err     error
	outcome models.RunOutcome
}

// RunID identifies the run in logs and the journal.
func (h *Handle) RunID() string { return h.runID }

// Cancel stops the run. It is idempotent.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its accumulated text. The
// error is a *RunError on failure and nil on success or cancellation; the
// partial text is returned in every case.
func (h *Handle) Wait() (string, error) {
	<-h.done
	return h.text, h.err
}

// Outcome reports how the run ended. It is empty until Done is closed.
func (h *Handle) Outcome() models.RunOutcome {
	select {
	case <-h.done:
		return h.outcome
	default:
		return ""
	}
}

// Start cancels any run in flight and starts a new one.
func (o *Orchestrator) Start(ctx context.Context, subjectID, content string, history []models.ChatMessage) *Handle {
	runCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.current != nil {
		o.current.cancel()
	}
	o.gen++
	h := &Handle{
		gen:    o.gen,
		runID:  uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.current = h
	o.state = State{RunID: h.runID, Streaming: true}
	o.notifyLocked()
	o.mu.Unlock()

	req := models.AnalysisRequest{
		Operation: o.operation,
		SubjectID: subjectID,
		UserID:    o.userID,
		Content:   content,
		History:   history,
		Stream:    true,
	}
	go o.run(runCtx, h, req)
	return h
}

// Run starts a run and waits for it.
func (o *Orchestrator) Run(ctx context.Context, subjectID, content string, history []models.ChatMessage) (string, error) {
	return o.Start(ctx, subjectID, content, history).Wait()
}

// Cancel stops the run in flight, if any. It is safe to call at any time.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.cancel()
	}
}

// Reset cancels the run in flight and clears content, error and outcome.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.cancel()
		o.current = nil
	}
	o.gen++
	o.state = State{}
	o.notifyLocked()
}

// State returns a snapshot of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn to be called with every state change, in order.
// fn runs under the Orchestrator's lock and must not call back into it.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextObs++
	id := o.nextObs
	o.observers = append(o.observers, observer{id: id, fn: fn})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, obs := range o.observers {
			if obs.id == id {
				o.observers = append(o.observers[:i], o.observers[i+1:]...)
				return
			}
		}
	}
}

func (o *Orchestrator) notifyLocked() {
	for _, obs := range o.observers {
		obs.fn(o.state)
	}
}

// update applies fn to the state if h is still the current generation.
func (o *Orchestrator) update(h *Handle, fn func(*State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h.gen != o.gen {
		return
	}
	fn(&o.state)
	o.notifyLocked()
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, req models.AnalysisRequest) {
	defer close(h.done)
	defer h.cancel()

	start := time.Now()
	o.metrics.RunStarted()

	res, err := Stream(ctx, o.client, req, func(text string) {
		o.update(h, func(s *State) { s.Content += text })
	})
	elapsed := time.Since(start)

	h.text, h.err, h.outcome = res.Text, err, res.Outcome
	o.update(h, func(s *State) {
		s.Streaming = false
		s.Content = res.Text
		s.Err = err
		s.Outcome = res.Outcome
	})
	o.mu.Lock()
	if o.current == h {
		o.current = nil
	}
	o.mu.Unlock()

	o.metrics.RunFinished(req.Operation, res.Outcome, res.Deltas, elapsed)

	logger := log.With().
		Str("run_id", h.runID).
		Str("subject_id", req.SubjectID).
		Str("operation", req.Operation).
		Str("outcome", string(res.Outcome)).
		Int64("latency_ms", elapsed.Milliseconds()).
		Logger()
	switch {
	case err != nil:
		logger.Warn().Err(err).Int("chars", len(res.Text)).Msg("run failed")
	case res.Outcome == models.OutcomeCancelled:
		logger.Debug().Int("chars", len(res.Text)).Msg("run cancelled")
	case !res.Complete:
		logger.Info().Int("chars", len(res.Text)).Msg("stream closed without sentinel")
	default:
		logger.Debug().Int("chars", len(res.Text)).Int("deltas", res.Deltas).Msg("run complete")
	}

	if o.recorder == nil {
		return
	}
	rec := models.RunRecord{
		RunID:     h.runID,
		SubjectID: req.SubjectID,
		Operation: req.Operation,
		UserID:    req.UserID,
		Outcome:   res.Outcome,
		Chars:     len(res.Text),
		Deltas:    res.Deltas,
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: start,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.recorder.Record(recCtx, rec); err != nil {
		logger.Warn().Err(err).Msg("journal record failed")
	}
}
