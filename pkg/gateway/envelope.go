package gateway

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Envelope statuses.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// Envelope is the normalized tool response. Every tool call returns one,
// success or failure; raw Go errors never cross the MCP boundary.
type Envelope struct {
	Status   string   `json:"status"`
	Results  any      `json:"results,omitempty"`
	Message  string   `json:"message,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Metadata identifies the invocation the envelope answers.
type Metadata struct {
	Tool       string `json:"tool_name"`
	RequestID  string `json:"request_id,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// toResult renders the envelope as an MCP tool result.
func (e Envelope) toResult() *mcp.CallToolResult {
	data, err := json.Marshal(e)
	if err != nil {
		// Results that cannot marshal degrade to a plain error envelope.
		fallback := Envelope{
			Status:   statusError,
			Message:  "failed to encode tool results: " + err.Error(),
			Metadata: e.Metadata,
		}
		data, _ = json.Marshal(fallback)
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}
	}
	return &mcp.CallToolResult{
		IsError: e.Status == statusError,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func successEnvelope(tool, requestID string, results any, started time.Time) *mcp.CallToolResult {
	return Envelope{
		Status:  statusSuccess,
		Results: results,
		Metadata: Metadata{
			Tool:       tool,
			RequestID:  requestID,
			DurationMS: time.Since(started).Milliseconds(),
		},
	}.toResult()
}

func errorEnvelope(tool, requestID, message string, started time.Time) *mcp.CallToolResult {
	return Envelope{
		Status:  statusError,
		Message: message,
		Metadata: Metadata{
			Tool:       tool,
			RequestID:  requestID,
			DurationMS: time.Since(started).Milliseconds(),
		},
	}.toResult()
}
