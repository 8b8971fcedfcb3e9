package models

// ChatMessage represents a single message in a conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnalysisRequest is the JSON body posted to the inference endpoint.
type AnalysisRequest struct {
	Operation string         `json:"operation"`
	SubjectID string         `json:"subjectId"`
	UserID    string         `json:"userId"`
	Content   string         `json:"content"`
	History   []ChatMessage  `json:"history"`
	Params    map[string]any `json:"params,omitempty"`
	Stream    bool           `json:"stream"`
}
