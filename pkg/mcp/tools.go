package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/insight/pkg/analysis"
	"github.com/pario-ai/insight/pkg/models"
)

const defaultRunLimit = 50

// Tool argument structs.

type askArgs struct {
	SubjectID string               `json:"subject_id"`
	Content   string               `json:"content"`
	History   []models.ChatMessage `json:"history"`
}

type subjectArgs struct {
	SubjectID string `json:"subject_id"`
}

type analyzeArgs struct {
	SubjectID  string         `json:"subject_id"`
	Operation  string         `json:"operation"`
	Content    string         `json:"content"`
	Params     map[string]any `json:"params"`
	TTLSeconds int            `json:"ttl_seconds"`
}

type invalidateArgs struct {
	SubjectID string `json:"subject_id"`
	Operation string `json:"operation"`
}

type runsArgs struct {
	SubjectID string `json:"subject_id"`
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"insight_ask":              handleAsk,
	"insight_reset":            handleReset,
	"insight_analyze":          handleAnalyze,
	"insight_cache_info":       handleCacheInfo,
	"insight_cache_invalidate": handleCacheInvalidate,
	"insight_runs":             handleRuns,
	"insight_run_stats":        handleRunStats,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "insight_ask",
		Description: "Ask the AI about a subject and return the streamed answer. A new ask for the same subject cancels one still in flight.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"subject_id", "content"},
			"properties": map[string]any{
				"subject_id": stringProp("The subject (deal, document) the question is about"),
				"content":    stringProp("The question"),
				"history": map[string]any{
					"type":        "array",
					"description": "Prior conversation turns as {role, content} objects (optional)",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"role":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
	},
	{
		Name:        "insight_reset",
		Description: "Cancel any ask in flight for a subject and clear its partial answer and error.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"subject_id"},
			"properties": map[string]any{
				"subject_id": stringProp("The subject to reset"),
			},
		},
	},
	{
		Name:        "insight_analyze",
		Description: "Run a cacheable analysis operation (e.g. summarize, score) for a subject. Repeated calls within the cache TTL are served from cache.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"subject_id", "operation"},
			"properties": map[string]any{
				"subject_id": stringProp("The subject to analyze"),
				"operation":  stringProp("The analysis operation name"),
				"content":    stringProp("Input text for the operation (optional)"),
				"params": map[string]any{
					"type":        "object",
					"description": "Operation parameters; distinct parameters are cached separately (optional)",
				},
				"ttl_seconds": map[string]any{
					"type":        "integer",
					"description": "Cache lifetime override in seconds (optional)",
				},
			},
		},
	},
	{
		Name:        "insight_cache_info",
		Description: "Show result cache statistics (entries, active, expired, hits, misses, hit rate).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "insight_cache_invalidate",
		Description: "Remove cached results. No arguments clears everything; subject_id clears one subject; subject_id and operation clear one entry.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subject_id": stringProp("Subject to clear (optional)"),
				"operation":  stringProp("Operation to clear, requires subject_id (optional)"),
			},
		},
	},
	{
		Name:        "insight_runs",
		Description: "Search the run journal with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subject_id": stringProp("Filter by subject (optional)"),
				"operation":  stringProp("Filter by operation (optional)"),
				"outcome":    stringProp("Filter by outcome: done, error or cancelled (optional)"),
				"since":      stringProp("Start date in YYYY-MM-DD format (optional)"),
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows (optional, default 50)",
				},
			},
		},
	},
	{
		Name:        "insight_run_stats",
		Description: "Show run counts and mean latency grouped by operation, day and outcome.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleAsk(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args askArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SubjectID == "" || args.Content == "" {
		return errorResult("subject_id and content are required")
	}

	h := s.slot(args.SubjectID).Start(ctx, args.SubjectID, args.Content, args.History)
	text, err := h.Wait()
	if err != nil {
		return errorResult(formatFailure(err, text))
	}
	if h.Outcome() == models.OutcomeCancelled {
		return textResult(formatCancelled(text))
	}
	return textResult(text)
}

func handleReset(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args subjectArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SubjectID == "" {
		return errorResult("subject_id is required")
	}
	if !s.dropSlot(args.SubjectID) {
		return textResult("Nothing to reset for " + args.SubjectID + ".")
	}
	return textResult("Reset " + args.SubjectID + ".")
}

func handleAnalyze(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args analyzeArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	res, err := s.analyzer.Analyze(ctx, analysis.Request{
		SubjectID: args.SubjectID,
		Operation: args.Operation,
		Content:   args.Content,
		Params:    args.Params,
		TTL:       time.Duration(args.TTLSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, analysis.ErrInvalidRequest):
		return errorResult("subject_id and operation are required")
	case err != nil:
		return errorResult("Analysis failed: " + err.Error())
	}
	return textResult(formatAnalysis(res))
}

func handleCacheInfo(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatCacheInfo(s.analyzer.Info()))
}

func handleCacheInvalidate(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args invalidateArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SubjectID == "" && args.Operation != "" {
		return errorResult("operation requires subject_id")
	}
	n := s.analyzer.Invalidate(args.SubjectID, args.Operation)
	return textResult(formatInvalidated(n))
}

func handleRuns(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.runs == nil {
		return textResult("Run journal is not configured.")
	}
	var args runsArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	opts := models.RunQueryOpts{
		SubjectID: args.SubjectID,
		Operation: args.Operation,
		Outcome:   models.RunOutcome(args.Outcome),
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultRunLimit
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	runs, err := s.runs.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching runs: " + err.Error())
	}
	return textResult(formatRuns(runs))
}

func handleRunStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.runs == nil {
		return textResult("Run journal is not configured.")
	}
	stats, err := s.runs.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching run stats: " + err.Error())
	}
	return textResult(formatRunStats(stats))
}
