// Package mcp exposes pipeline state over the Model Context Protocol so
// agents can inspect protocol runs and answer their own clarifications.
// Tools are read-only except answer_clarification; mutations to runs stay
// behind the HTTP API.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/reconcile"
)

// ServerConfig configures the MCP server transport.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	// APIToken, when set, requires a matching bearer token on every request.
	APIToken string
}

// ProjectLister reads projects for the list_projects tool.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]project.Project, error)
}

// ProtocolReader reads protocol and step runs.
type ProtocolReader interface {
	GetProtocolRun(ctx context.Context, id int64) (*protocol.ProtocolRun, error)
	GetStepRun(ctx context.Context, id int64) (*protocol.StepRun, error)
}

// ClarificationAnswerer lists and answers clarifications.
type ClarificationAnswerer interface {
	ListOpenClarifications(ctx context.Context, protocolRunID *int64) ([]clarif.Clarification, error)
	AnswerClarification(ctx context.Context, id int64, req clarif.AnswerRequest) (*clarif.Clarification, error)
}

// ReconciliationReader reads the most recent reconciliation report.
type ReconciliationReader interface {
	LastReconciliation(ctx context.Context) (*reconcile.Report, error)
}

// ServerDeps are the service dependencies behind the tools. Nil fields turn
// the corresponding tools into error results instead of panics.
type ServerDeps struct {
	ProjectLister  ProjectLister
	ProtocolReader ProtocolReader
	Clarifications ClarificationAnswerer
	Reconciliation ReconciliationReader
}

// Server wraps the MCP server and its SSE transport.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	logger    *slog.Logger
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer builds the server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "devgodzilla"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    slog.Default(),
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying server for tests and custom mounting.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves the SSE transport in the background and returns immediately.
func (s *Server) Start() error {
	sse := mcpserver.NewSSEServer(s.mcpServer)

	var handler http.Handler = sse
	if s.cfg.APIToken != "" {
		handler = AuthMiddleware(s.cfg.APIToken, handler)
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("mcp server failed", "addr", s.cfg.Addr, "error", err)
		}
	}()
	s.logger.Info("mcp server listening", "addr", s.cfg.Addr)
	return nil
}

// Stop shuts the transport down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewTextContent(data)},
	}
}
