package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/devgodzilla/devgodzilla/internal/domain/clarif"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listProjectsTool(),
		s.getProtocolStatusTool(),
		s.getStepTool(),
		s.listOpenClarificationsTool(),
		s.answerClarificationTool(),
		s.reconciliationStatusTool(),
	)
}

func (s *Server) listProjectsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_projects",
		mcplib.WithDescription("List all projects registered with DevGodzilla"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListProjects}
}

func (s *Server) getProtocolStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_protocol_status",
		mcplib.WithDescription("Get a protocol run with its steps and current status"),
		mcplib.WithNumber("protocol_run_id",
			mcplib.Required(),
			mcplib.Description("The protocol run ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetProtocolStatus}
}

func (s *Server) getStepTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_step",
		mcplib.WithDescription("Get a single step run by ID"),
		mcplib.WithNumber("step_run_id",
			mcplib.Required(),
			mcplib.Description("The step run ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetStep}
}

func (s *Server) listOpenClarificationsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_open_clarifications",
		mcplib.WithDescription("List clarifications waiting for an answer, optionally scoped to one protocol run"),
		mcplib.WithNumber("protocol_run_id",
			mcplib.Description("Restrict to clarifications of this protocol run"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListOpenClarifications}
}

func (s *Server) answerClarificationTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("answer_clarification",
		mcplib.WithDescription("Answer an open clarification so the blocked step can resume"),
		mcplib.WithNumber("clarification_id",
			mcplib.Required(),
			mcplib.Description("The clarification ID to answer"),
		),
		mcplib.WithString("answer",
			mcplib.Required(),
			mcplib.Description("The answer text"),
		),
		mcplib.WithString("answered_by",
			mcplib.Description("Who is answering; defaults to \"mcp\""),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAnswerClarification}
}

func (s *Server) reconciliationStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("reconciliation_status",
		mcplib.WithDescription("Get the most recent reconciliation report"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleReconciliationStatus}
}

func (s *Server) handleListProjects(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.ProjectLister == nil {
		return mcplib.NewToolResultError("project lister not configured"), nil
	}
	projects, err := s.deps.ProjectLister.ListProjects(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list projects", err), nil
	}
	data, err := json.Marshal(projects)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal projects", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetProtocolStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.ProtocolReader == nil {
		return mcplib.NewToolResultError("protocol reader not configured"), nil
	}
	id, ok := int64Arg(req.GetArguments(), "protocol_run_id")
	if !ok {
		return mcplib.NewToolResultError("protocol_run_id is required"), nil
	}
	run, err := s.deps.ProtocolReader.GetProtocolRun(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get protocol run %d", id), err,
		), nil
	}
	data, err := json.Marshal(run)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal protocol run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetStep(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.ProtocolReader == nil {
		return mcplib.NewToolResultError("protocol reader not configured"), nil
	}
	id, ok := int64Arg(req.GetArguments(), "step_run_id")
	if !ok {
		return mcplib.NewToolResultError("step_run_id is required"), nil
	}
	step, err := s.deps.ProtocolReader.GetStepRun(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get step run %d", id), err,
		), nil
	}
	data, err := json.Marshal(step)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal step run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListOpenClarifications(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Clarifications == nil {
		return mcplib.NewToolResultError("clarification service not configured"), nil
	}
	var filter *int64
	if id, ok := int64Arg(req.GetArguments(), "protocol_run_id"); ok {
		filter = &id
	}
	clarifications, err := s.deps.Clarifications.ListOpenClarifications(ctx, filter)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list clarifications", err), nil
	}
	data, err := json.Marshal(clarifications)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal clarifications", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleAnswerClarification(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Clarifications == nil {
		return mcplib.NewToolResultError("clarification service not configured"), nil
	}
	args := req.GetArguments()
	id, ok := int64Arg(args, "clarification_id")
	if !ok {
		return mcplib.NewToolResultError("clarification_id is required"), nil
	}
	answer, _ := args["answer"].(string)
	if answer == "" {
		return mcplib.NewToolResultError("answer is required"), nil
	}
	answeredBy, _ := args["answered_by"].(string)
	if answeredBy == "" {
		answeredBy = "mcp"
	}

	c, err := s.deps.Clarifications.AnswerClarification(ctx, id, clarif.AnswerRequest{
		Answer:     answer,
		AnsweredBy: answeredBy,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to answer clarification %d", id), err,
		), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal clarification", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleReconciliationStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Reconciliation == nil {
		return mcplib.NewToolResultError("reconciliation service not configured"), nil
	}
	report, err := s.deps.Reconciliation.LastReconciliation(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get reconciliation status", err), nil
	}
	if report == nil {
		return toolResultJSON(`{"status":"never_run"}`), nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal reconciliation report", err), nil
	}
	return toolResultJSON(string(data)), nil
}

// int64Arg reads a numeric argument. JSON numbers decode as float64; string
// forms are accepted because models often quote numbers.
func int64Arg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
