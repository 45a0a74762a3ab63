package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// transcriptSource 转写快照（便于测试注入 mock）
type transcriptSource interface {
	Snapshot() *transcript.Snapshot
}

// notesSource 纪要快照（便于测试注入 mock）
type notesSource interface {
	Current() *summarizer.Snapshot
}

// TranscriptResult get_transcript 的返回
type TranscriptResult struct {
	Total    int      `json:"total"`
	Since    int      `json:"since"`
	Lines    []string `json:"lines"`
	Partials []string `json:"partials,omitempty"`
}

// Server 以只读方式向 MCP 客户端暴露当前会话
type Server struct {
	mcp         *server.MCPServer
	transcripts transcriptSource
	notes       notesSource
	status      func() any

	listener net.Listener
	http     *http.Server
}

func New(version string, transcripts transcriptSource, notes notesSource, status func() any) *Server {
	s := &Server{
		mcp:         server.NewMCPServer("meeting-scribe", version, server.WithToolCapabilities(false)),
		transcripts: transcripts,
		notes:       notes,
		status:      status,
	}

	s.mcp.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Return finalized transcript lines of the current meeting, starting at index since"),
		mcp.WithNumber("since", mcp.Description("Index of the first finalized line to return (default 0)")),
	), s.handleGetTranscript)

	s.mcp.AddTool(mcp.NewTool("get_summary",
		mcp.WithDescription("Return the current meeting notes as Markdown"),
	), s.handleGetSummary)

	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Return pipeline status: stream state, degraded flags, counters"),
	), s.handleGetStatus)

	return s
}

func (s *Server) handleGetTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := req.GetInt("since", 0)
	if since < 0 {
		return mcp.NewToolResultError("since must be >= 0"), nil
	}

	snap := s.transcripts.Snapshot()
	result := TranscriptResult{Total: snap.Len(), Since: since, Lines: []string{}}
	for _, ev := range snap.Since(since) {
		result.Lines = append(result.Lines, transcript.FormatLine(ev))
	}
	for _, ev := range snap.Partials {
		result.Partials = append(result.Partials, transcript.Label(ev.SpeakerID)+": "+ev.Text)
	}

	return jsonResult(result)
}

func (s *Server) handleGetSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(summarizer.FormatMarkdown(s.notes.Current())), nil
}

func (s *Server) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.status())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Listen 绑定地址，MCP 端点为 /mcp
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))

	s.listener = ln
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve 阻塞直到 Shutdown
func (s *Server) Serve() {
	logger.Infof("[MCP] MCP 服务已启动, addr: %s", s.Addr())
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("[MCP] MCP 服务异常退出, %v", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
