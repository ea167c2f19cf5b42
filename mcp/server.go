// Package mcp provides an MCP (Model Context Protocol) server for loom.
// This allows AI agents to use loom as a native tool: querying the index,
// indexing files, and working inside shadow workspaces.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomlabs/loom/app"
	"github.com/loomlabs/loom/config"
)

// Server wraps the MCP server around a live loom session. The session keeps
// the watcher, pipeline, and shadow mirror running for the lifetime of the
// server, so shadow state persists across tool calls.
type Server struct {
	mcpServer   *server.MCPServer
	app         *app.App
	cancel      context.CancelFunc
	projectRoot string
	cfg         *config.Config
}

// SearchResult is a lightweight struct for MCP output.
type SearchResult struct {
	FilePath string  `json:"file_path"`
	ChunkID  string  `json:"chunk_id"`
	Score    float32 `json:"score"`
	Content  string  `json:"content"`
}

// SearchResultCompact is a minimal struct for compact output (no content field).
type SearchResultCompact struct {
	FilePath string  `json:"file_path"`
	ChunkID  string  `json:"chunk_id"`
	Score    float32 `json:"score"`
}

// QueryAnswer is the loom_query tool output.
type QueryAnswer struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources,omitempty"`
}

// IndexStatus represents the current state of the index.
type IndexStatus struct {
	TotalFiles  int    `json:"total_files"`
	TotalChunks int    `json:"total_chunks"`
	LastUpdated string `json:"last_updated"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Backend     string `json:"backend"`
}

// ShadowInfo is the loom_shadow_create tool output.
type ShadowInfo struct {
	Original  string `json:"original"`
	Shadow    string `json:"shadow"`
	CopyFiles bool   `json:"copy_files"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// validFormat reports whether format is a supported output format.
func validFormat(format string) bool {
	return format == "json" || format == "toon"
}

// NewServer creates a new MCP server for the project rooted at projectRoot
// and starts the underlying session.
func NewServer(projectRoot, userID string) (*Server, error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, projectRoot, userID, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	a.Start(ctx)
	if err := a.OpenProject(); err != nil {
		cancel()
		a.Close()
		return nil, err
	}

	s := &Server{
		app:         a,
		cancel:      cancel,
		projectRoot: projectRoot,
		cfg:         cfg,
	}
	s.mcpServer = server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s, nil
}

// registerTools registers all loom tools with the MCP server.
func (s *Server) registerTools() {
	queryTool := mcp.NewTool("loom_query",
		mcp.WithDescription("Ask a natural language question about the codebase. The question is answered by a chat model grounded on the most relevant indexed code chunks."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to answer (e.g., 'how does the debounce logic work?')"),
		),
		mcp.WithString("file",
			mcp.Description("Restrict retrieval to this file path (optional)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(queryTool, s.handleQuery)

	searchTool := mcp.NewTool("loom_search",
		mcp.WithDescription("Semantic code search. Search the codebase using natural language queries. Returns the most relevant code chunks with file paths and similarity scores."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language search query (e.g., 'shadow workspace cleanup')"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (default: 10)"),
		),
		mcp.WithBoolean("compact",
			mcp.Description("Return minimal output without content (default: false)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(searchTool, s.handleSearch)

	indexFileTool := mcp.NewTool("loom_index_file",
		mcp.WithDescription("Index a single file immediately, bypassing the debounce window. Use after writing a file whose content should be searchable right away."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path of the file to index"),
		),
	)
	s.mcpServer.AddTool(indexFileTool, s.handleIndexFile)

	indexStatusTool := mcp.NewTool("loom_index_status",
		mcp.WithDescription("Check the health and status of the loom index. Returns statistics about indexed files, chunks, and configuration."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(indexStatusTool, s.handleIndexStatus)

	shadowCreateTool := mcp.NewTool("loom_shadow_create",
		mcp.WithDescription("Create a shadow workspace: an out-of-tree mirror of the project for safe experiments. Returns the shadow root path. Creating a new shadow removes the previous one."),
		mcp.WithBoolean("copy_files",
			mcp.Description("Copy file contents into the shadow instead of cloning structure only (default: false)"),
		),
	)
	s.mcpServer.AddTool(shadowCreateTool, s.handleShadowCreate)

	shadowWriteTool := mcp.NewTool("loom_shadow_write",
		mcp.WithDescription("Write content to a file inside the shadow workspace. The path is the ORIGINAL project path; it is mapped to its shadow counterpart. Only files cloned from the original tree can be written."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Original project path of the file to write"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Content to write"),
		),
		mcp.WithBoolean("append",
			mcp.Description("Append instead of overwrite (default: false)"),
		),
	)
	s.mcpServer.AddTool(shadowWriteTool, s.handleShadowWrite)

	shadowCopyTool := mcp.NewTool("loom_shadow_copy",
		mcp.WithDescription("Copy a file's current content from the original tree into the shadow workspace."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Original project path of the file to copy"),
		),
	)
	s.mcpServer.AddTool(shadowCopyTool, s.handleShadowCopy)
}

// handleQuery handles the loom_query tool call.
func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("question parameter is required"), nil
	}

	file := request.GetString("file", "")
	format := request.GetString("format", "json")
	if !validFormat(format) {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	result := s.app.Query(ctx, question, file)

	output, err := encodeOutput(QueryAnswer{Answer: result.Response, Sources: result.Sources}, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleSearch handles the loom_search tool call.
func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}
	compact := request.GetBool("compact", false)
	format := request.GetString("format", "json")
	if !validFormat(format) {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	matches, err := s.app.Search(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	var data any
	if compact {
		results := make([]SearchResultCompact, len(matches))
		for i, m := range matches {
			results[i] = SearchResultCompact{
				FilePath: m.Entry.Metadata.Source,
				ChunkID:  m.Entry.ID,
				Score:    m.Score,
			}
		}
		data = results
	} else {
		results := make([]SearchResult, len(matches))
		for i, m := range matches {
			results[i] = SearchResult{
				FilePath: m.Entry.Metadata.Source,
				ChunkID:  m.Entry.ID,
				Score:    m.Score,
				Content:  m.Entry.Document,
			}
		}
		data = results
	}

	output, err := encodeOutput(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleIndexFile handles the loom_index_file tool call.
func (s *Server) handleIndexFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	result := s.app.IndexFile(ctx, path)
	if !result.Success {
		return mcp.NewToolResultError(fmt.Sprintf("indexing failed: %s", result.Message)), nil
	}
	return mcp.NewToolResultText(result.Message), nil
}

// handleIndexStatus handles the loom_index_status tool call.
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if !validFormat(format) {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	stats, err := s.app.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	status := IndexStatus{
		TotalFiles:  stats.TotalFiles,
		TotalChunks: stats.TotalChunks,
		Provider:    s.cfg.Embedder.Provider,
		Model:       s.cfg.Embedder.Model,
		Backend:     s.cfg.Store.Backend,
	}
	if !stats.LastUpdated.IsZero() {
		status.LastUpdated = stats.LastUpdated.Format("2006-01-02 15:04:05")
	}

	output, err := encodeOutput(status, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleShadowCreate handles the loom_shadow_create tool call.
func (s *Server) handleShadowCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	copyFiles := request.GetBool("copy_files", false)
	ws, err := s.app.CreateShadowWorkspace(ctx, copyFiles)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create shadow workspace: %v", err)), nil
	}

	output, err := encodeOutput(ShadowInfo{
		Original:  ws.Original,
		Shadow:    ws.Shadow,
		CopyFiles: ws.CopyFiles,
	}, "json")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleShadowWrite handles the loom_shadow_write tool call.
func (s *Server) handleShadowWrite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content parameter is required"), nil
	}
	appendMode := request.GetBool("append", false)

	if appendMode {
		err = s.app.AppendToShadowFile(path, content)
	} else {
		err = s.app.WriteToShadowFile(path, content)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("shadow write failed: %v", err)), nil
	}

	shadowPath, _ := s.app.ShadowPath(path)
	return mcp.NewToolResultText(fmt.Sprintf("wrote %s", shadowPath)), nil
}

// handleShadowCopy handles the loom_shadow_copy tool call.
func (s *Server) handleShadowCopy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	if err := s.app.CopyFileToShadow(path); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("shadow copy failed: %v", err)), nil
	}

	shadowPath, _ := s.app.ShadowPath(path)
	return mcp.NewToolResultText(fmt.Sprintf("copied to %s", shadowPath)), nil
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// Close shuts down the underlying session.
func (s *Server) Close() error {
	s.cancel()
	return s.app.Close()
}
