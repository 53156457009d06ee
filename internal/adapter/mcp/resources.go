package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers read-only MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"devgodzilla://projects",
			"Project List",
			mcplib.WithResourceDescription("All projects registered with DevGodzilla"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProjectsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"devgodzilla://reconciliation/status",
			"Reconciliation Status",
			mcplib.WithResourceDescription("The most recent reconciliation report"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleReconciliationResource,
	)
}

func (s *Server) handleProjectsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.ProjectLister == nil {
		return jsonResource(req.Params.URI, `{"error":"project lister not configured"}`), nil
	}
	projects, err := s.deps.ProjectLister.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(projects)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func (s *Server) handleReconciliationResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Reconciliation == nil {
		return jsonResource(req.Params.URI, `{"error":"reconciliation service not configured"}`), nil
	}
	report, err := s.deps.Reconciliation.LastReconciliation(ctx)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return jsonResource(req.Params.URI, `{"status":"never_run"}`), nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func jsonResource(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}
