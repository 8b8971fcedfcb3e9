package sse

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	readBufferSize = 4096
	maxErrorBody   = 64 << 10
)

// EventKind identifies the type of a stream Event.
type EventKind int

const (
	EventDelta EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from a consumed stream.
type Event struct {
	Kind EventKind
	// Text is the delta fragment for EventDelta.
	Text string
	// Err is set for EventError.
	Err error
	// Complete is true on EventDone when the sentinel was seen, false when
	// the body ended without it.
	Complete bool
}

// Handler receives stream callbacks. Nil fields are skipped.
type Handler struct {
	OnDelta func(text string)
	OnDone  func()
	OnError func(err error)
}

// Consume reads resp in a new goroutine and returns its events in the order
// the bytes arrived. Exactly one EventDone or EventError is sent last, then
// the channel is closed. If ctx is cancelled the channel closes without a
// terminal event. The body is always closed, and is closed as soon as ctx is
// cancelled so a blocked read returns at once.
func Consume(ctx context.Context, resp *http.Response) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		consume(ctx, resp, events)
	}()
	return events
}

// ConsumeFunc drives Consume and dispatches to h. It returns when the stream
// reaches a terminal state or ctx is cancelled, returning the stream error
// if one was reported.
func ConsumeFunc(ctx context.Context, resp *http.Response, h Handler) error {
	var streamErr error
	for ev := range Consume(ctx, resp) {
		if ctx.Err() != nil {
			// drain events buffered before the cancellation
			continue
		}
		switch ev.Kind {
		case EventDelta:
			if h.OnDelta != nil {
				h.OnDelta(ev.Text)
			}
		case EventDone:
			if h.OnDone != nil {
				h.OnDone()
			}
		case EventError:
			streamErr = ev.Err
			if h.OnError != nil {
				h.OnError(ev.Err)
			}
		}
	}
	return streamErr
}

func consume(ctx context.Context, resp *http.Response, events chan<- Event) {
	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			send(Event{Kind: EventError, Err: &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}})
			return
		}
		send(Event{Kind: EventError, Err: ErrNoBody})
		return
	}

	body := &onceCloser{rc: resp.Body}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		if ctx.Err() != nil {
			return
		}
		send(Event{Kind: EventError, Err: &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(text)),
		}})
		return
	}

	dec := NewDecoder()
	emit := func(frames []Frame) (terminal, ok bool) {
		for _, f := range frames {
			if f.Terminal {
				return true, send(Event{Kind: EventDone, Complete: true})
			}
			if text, found := ExtractDelta(f.Payload); found {
				if !send(Event{Kind: EventDelta, Text: text}) {
					return false, false
				}
			}
		}
		return false, true
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			terminal, ok := emit(dec.Push(buf[:n]))
			if terminal || !ok {
				return
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			terminal, ok := emit(dec.Flush())
			if terminal || !ok {
				return
			}
			send(Event{Kind: EventDone, Complete: false})
			return
		}
		send(Event{Kind: EventError, Err: &ReadError{Err: err}})
		return
	}
}

type onceCloser struct {
	rc   io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Read(p []byte) (int, error) {
	return c.rc.Read(p)
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.rc.Close() })
	return c.err
}
