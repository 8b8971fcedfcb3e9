package orchestrator

import (
	"context"
	"net/http"
	"strings"

	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/sse"
)

// Opener sends an analysis request and returns the streaming response for
// any status code. *transport.Client implements it.
type Opener interface {
	Open(ctx context.Context, req models.AnalysisRequest) (*http.Response, error)
}

// Result summarises one consumed stream.
type Result struct {
	Text    string
	Deltas  int
	Outcome models.RunOutcome
	// Complete is true when the stream ended with the sentinel. A done run
	// with Complete false closed early and Text may be truncated.
	Complete bool
}

// Stream opens req and consumes it until a terminal event, calling onDelta
// for each fragment in arrival order. Cancelling ctx releases the connection
// and yields OutcomeCancelled with a nil error; the text received so far is
// kept in either case.
func Stream(ctx context.Context, client Opener, req models.AnalysisRequest, onDelta func(text string)) (Result, error) {
	var res Result

	resp, err := client.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome = models.OutcomeCancelled
			return res, nil
		}
		res.Outcome = models.OutcomeError
		return res, &RunError{Kind: KindTransport, Err: err}
	}

	var (
		text      strings.Builder
		terminal  bool
		streamErr error
	)
	for ev := range sse.Consume(ctx, resp) {
		if ctx.Err() != nil {
			continue
		}
		switch ev.Kind {
		case sse.EventDelta:
			text.WriteString(ev.Text)
			res.Deltas++
			if onDelta != nil {
				onDelta(ev.Text)
			}
		case sse.EventDone:
			terminal = true
			res.Complete = ev.Complete
		case sse.EventError:
			terminal = true
			streamErr = ev.Err
		}
	}
	res.Text = text.String()

	switch {
	case !terminal:
		res.Outcome = models.OutcomeCancelled
	case streamErr != nil:
		res.Outcome = models.OutcomeError
		return res, classify(streamErr)
	default:
		res.Outcome = models.OutcomeDone
	}
	return res, nil
}
