package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/bookspin/internal/search"
	"github.com/kalambet/bookspin/internal/storage"
	"github.com/kalambet/bookspin/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Decider  Decider
	Searcher ChapterSearcher // optional; if nil, search_chapters returns an error
}

// NewMCPServer creates an MCP server exposing the chapter revision workflow
// to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"bookspin",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("bookspin — versioned chapter store with an AI writer/reviewer revision workflow."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chapter_status",
			mcp.WithDescription("Return the workflow status and version count of a chapter."),
			mcp.WithString("chapter_id", mcp.Description("Chapter identifier"), mcp.Required()),
		),
		mcpChapterStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("latest_content",
			mcp.WithDescription("Return the latest content of a chapter for a given version type."),
			mcp.WithString("chapter_id", mcp.Description("Chapter identifier"), mcp.Required()),
			mcp.WithString("version_type", mcp.Description("original, spun, review_comments, approved, or revision_requested (default spun)")),
		),
		mcpLatestContent(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_chapter",
			mcp.WithDescription("Record a human approval of the chapter's latest AI draft."),
			mcp.WithString("chapter_id", mcp.Description("Chapter identifier"), mcp.Required()),
		),
		mcpApproveChapter(deps),
	)

	s.AddTool(
		mcp.NewTool("request_revision",
			mcp.WithDescription("Reject the chapter's latest AI draft with feedback and queue a new revision cycle."),
			mcp.WithString("chapter_id", mcp.Description("Chapter identifier"), mcp.Required()),
			mcp.WithString("feedback", mcp.Description("What the writer should change (optional)")),
		),
		mcpRequestRevision(deps),
	)

	s.AddTool(
		mcp.NewTool("search_chapters",
			mcp.WithDescription("Semantically search indexed chapter versions and return matching text chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("chapter_id", mcp.Description("Restrict to one chapter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchChapters(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"bookspin://versions/recent",
			"Recent Versions",
			mcp.WithResourceDescription("Last 10 chapter versions across all chapters (content truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentVersions(deps),
	)

	return s
}

func mcpChapterStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chapterID, err := req.RequireString("chapter_id")
		if err != nil {
			return mcpError("chapter_id is required"), nil
		}

		versions, err := deps.Store.ListVersions(chapterID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list versions: %v", err)), nil
		}

		b, err := json.Marshal(statusResponse{
			ChapterID:    chapterID,
			Status:       workflow.DeriveStatus(versions),
			VersionCount: len(versions),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLatestContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chapterID, err := req.RequireString("chapter_id")
		if err != nil {
			return mcpError("chapter_id is required"), nil
		}

		versionType := req.GetString("version_type", storage.VersionSpun)
		if !storage.ValidVersionType(versionType) {
			return mcpError(fmt.Sprintf("unknown version type %q", versionType)), nil
		}

		v, err := deps.Store.LatestVersion(chapterID, versionType)
		if err != nil {
			return mcpError(fmt.Sprintf("no %s version for chapter %s", versionType, chapterID)), nil
		}
		return mcpText(v.Content), nil
	}
}

func mcpApproveChapter(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chapterID, err := req.RequireString("chapter_id")
		if err != nil {
			return mcpError("chapter_id is required"), nil
		}

		v, err := deps.Decider.Approve(ctx, chapterID)
		if err != nil {
			return mcpError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Approved chapter %s as version %s", chapterID, v.ID)), nil
	}
}

func mcpRequestRevision(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chapterID, err := req.RequireString("chapter_id")
		if err != nil {
			return mcpError("chapter_id is required"), nil
		}
		feedback := req.GetString("feedback", "")

		v, err := deps.Decider.RequestRevision(ctx, chapterID, feedback)
		if err != nil {
			return mcpError(fmt.Sprintf("revision request failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Revision requested for chapter %s (version %s); a new draft is queued", chapterID, v.ID)), nil
	}
}

func mcpSearchChapters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Searcher == nil {
			return mcpError("search not available: indexing is disabled"), nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		filter := search.Filter{ChapterID: req.GetString("chapter_id", "")}
		results, err := deps.Searcher.Search(ctx, query, limit, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentVersions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		versions, err := deps.Store.RecentVersions(10)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent versions: %w", err)
		}

		type versionSummary struct {
			ID          string `json:"id"`
			ChapterID   string `json:"chapter_id"`
			VersionType string `json:"version_type"`
			CreatedAt   string `json:"created_at"`
			Excerpt     string `json:"excerpt"`
		}

		summaries := make([]versionSummary, len(versions))
		for i, v := range versions {
			excerpt := v.Content
			if utf8.RuneCountInString(excerpt) > 200 {
				runes := []rune(excerpt)
				excerpt = string(runes[:200]) + "..."
			}
			summaries[i] = versionSummary{
				ID:          v.ID,
				ChapterID:   v.ChapterID,
				VersionType: v.VersionType,
				CreatedAt:   v.CreatedAt.Format(time.RFC3339),
				Excerpt:     excerpt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal versions: %w", err)
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
