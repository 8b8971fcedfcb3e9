package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/insight/pkg/analysis"
	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/orchestrator"
)

const maxLineBytes = 1024 * 1024

// RunStore answers journal queries without coupling to the SQLite journal.
type RunStore interface {
	Query(ctx context.Context, opts models.RunQueryOpts) ([]models.RunRecord, error)
	Stats(ctx context.Context) ([]models.RunStat, error)
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
// Tool calls run concurrently and answer in completion order. It owns one
// orchestrator per subject, so a new ask for a subject supersedes the previous one.
type Server struct {
	client   orchestrator.Opener
	analyzer *analysis.Analyzer
	runs     RunStore
	orchOpts []orchestrator.Option
	version  string

	mu       sync.Mutex
	slots    map[string]*orchestrator.Orchestrator
	inflight map[string]context.CancelFunc

	wmu   sync.Mutex
	calls sync.WaitGroup
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// New creates a new MCP Server. runs may be nil when the journal is disabled.
// opts are applied to every per-subject orchestrator.
func New(client orchestrator.Opener, analyzer *analysis.Analyzer, runs RunStore, version string, opts ...orchestrator.Option) *Server {
	return &Server{
		client:   client,
		analyzer: analyzer,
		runs:     runs,
		orchOpts: opts,
		version:  version,
		slots:    make(map[string]*orchestrator.Orchestrator),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed and every tool call has answered, or until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	defer s.cancelAll()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.calls.Wait()
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}

		if req.Method == "tools/call" && req.JSONRPC == jsonrpcVersion {
			s.goCall(ctx, w, &req)
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	s.calls.Wait()
	return scanner.Err()
}

// goCall answers a tools/call on its own goroutine. The call can be cancelled
// by request id until it answers.
func (s *Server) goCall(ctx context.Context, w io.Writer, req *Request) {
	callCtx, cancel := context.WithCancel(ctx)
	key := string(req.ID)
	if !req.IsNotification() {
		s.mu.Lock()
		s.inflight[key] = cancel
		s.mu.Unlock()
	}

	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		defer cancel()
		resp := s.handleToolsCall(callCtx, req)
		if req.IsNotification() {
			return
		}
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.writeResponse(w, resp)
	}()
}

// cancelCall stops an in-flight tool call named by a notifications/cancelled.
func (s *Server) cancelCall(raw json.RawMessage) {
	var params cancelledParams
	if err := json.Unmarshal(raw, &params); err != nil || len(params.RequestID) == 0 {
		log.Debug().Msg("mcp: ignoring malformed cancel notification")
		return
	}
	s.mu.Lock()
	cancel, ok := s.inflight[string(params.RequestID)]
	s.mu.Unlock()
	if ok {
		log.Debug().Str("request_id", string(params.RequestID)).Str("reason", params.Reason).Msg("mcp: cancelling tool call")
		cancel()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "insight", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "notifications/cancelled":
		s.cancelCall(req.Params)
		return nil
	default:
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	log.Debug().Str("tool", params.Name).Msg("mcp tool call")
	return resultResponse(req.ID, handler(ctx, s, params.Arguments))
}

// slot returns the orchestrator for a subject, creating it on first use.
func (s *Server) slot(subjectID string) *orchestrator.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.slots[subjectID]
	if !ok {
		o = orchestrator.New(s.client, s.orchOpts...)
		s.slots[subjectID] = o
	}
	return o
}

// dropSlot resets and forgets a subject's orchestrator.
func (s *Server) dropSlot(subjectID string) bool {
	s.mu.Lock()
	o, ok := s.slots[subjectID]
	delete(s.slots, subjectID)
	s.mu.Unlock()
	if ok {
		o.Reset()
	}
	return ok
}

func (s *Server) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.slots {
		o.Cancel()
	}
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("mcp: marshal response")
		return
	}
	data = append(data, '\n')
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("mcp: write response")
	}
}
