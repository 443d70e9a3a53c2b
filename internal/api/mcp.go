package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ragd/internal/ingest"
)

// mcpClientID keys the rate limiter for every MCP caller.
const mcpClientID = "mcp"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Answerer Answerer
	Metrics  MetricsSource
	KB       KnowledgeBase // optional; add_document is not registered when nil
}

// NewMCPServer creates an MCP server exposing the answer pipeline as a tool
// and the metrics summary as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ragd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ragd answers questions from a local knowledge base and cites its sources."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the knowledge base. Returns the answer, citations, and the query fingerprint."),
			mcp.WithString("query", mcp.Description("The question, 3 to 1000 characters"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	if deps.KB != nil {
		s.AddTool(
			mcp.NewTool("add_document",
				mcp.WithDescription("Queue a text document for indexing into the knowledge base."),
				mcp.WithString("title", mcp.Description("Title for the document")),
				mcp.WithString("content", mcp.Description("The text content to index"), mcp.Required()),
				mcp.WithString("source_url", mcp.Description("Where the text came from")),
			),
			mcpAddDocument(deps),
		)
	}

	s.AddResource(
		mcp.NewResource(
			"ragd://metrics/summary",
			"Metrics Summary",
			mcp.WithResourceDescription("Aggregate statistics over recent answer requests"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// A missing query still goes through the pipeline so it is rate
		// limited, rejected by validation and sampled like an HTTP request.
		res := deps.Answerer.Ask(ctx, mcpClientID, req.GetString("query", ""))
		b, err := json.Marshal(res.Body)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		if res.Status != http.StatusOK {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")
		source := req.GetString("source_url", "mcp")

		res, err := deps.KB.Enqueue(ctx, title, source, content)
		if errors.Is(err, ingest.ErrEmptyDocument) {
			return mcpError("content is empty"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add document: %v", err)), nil
		}
		if res.Duplicate {
			return mcpText(fmt.Sprintf("Document already indexed as %s", res.DocumentID)), nil
		}
		return mcpText(fmt.Sprintf("Queued document %s for indexing", res.DocumentID)), nil
	}
}

func mcpResourceSummary(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Metrics.Summary())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal summary: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
