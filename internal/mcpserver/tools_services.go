package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmhq/swarm/internal/services"
)

func registerServiceTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("register-service",
			mcp.WithDescription("Register a long-running service you own, or refresh its runtime fields. Idempotent per (agent, name)."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Service name, unique per agent")),
			mcp.WithNumber("port", mcp.Description("Listening port")),
			mcp.WithString("url", mcp.Description("Base URL")),
			mcp.WithString("healthCheckPath", mcp.Description("Health endpoint path (default /health)")),
			mcp.WithString("status", mcp.Description("Initial status: starting (default), healthy, unhealthy, stopped")),
			mcp.WithString("script", mcp.Description("Launch script")),
			mcp.WithString("cwd", mcp.Description("Working directory")),
			mcp.WithString("interpreter", mcp.Description("Interpreter for the script")),
			mcp.WithArray("args", mcp.Description("Launch arguments")),
			mcp.WithObject("env", mcp.Description("Environment variables")),
			mcp.WithObject("metadata", mcp.Description("Free-form metadata")),
		),
		registerServiceHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("unregister-service",
			mcp.WithDescription("Remove a service you own from the registry."),
			mcp.WithString("serviceId", mcp.Required(), mcp.Description("The service id")),
		),
		unregisterServiceHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("list-services",
			mcp.WithDescription("List registered services with their owning agents."),
			mcp.WithString("status", mcp.Description("Filter by status")),
			mcp.WithString("namePrefix", mcp.Description("Filter by name prefix")),
			mcp.WithString("agentId", mcp.Description("Filter by owning agent")),
			mcp.WithBoolean("excludeSelf", mcp.Description("Exclude your own services")),
		),
		listServicesHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("update-service-status",
			mcp.WithDescription("Update a service's health status. An event is logged only when the status changes."),
			mcp.WithString("serviceId", mcp.Required(), mcp.Description("The service id")),
			mcp.WithString("status", mcp.Required(), mcp.Description("New status: starting, healthy, unhealthy, stopped")),
		),
		updateServiceStatusHandler(deps),
	)

	return 4
}

func registerServiceHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return fail(caller, "name is required"), nil
		}

		svc, err := deps.Services.Upsert(ctx, services.UpsertParams{
			AgentID:         caller,
			Name:            name,
			Port:            req.GetInt("port", 0),
			URL:             req.GetString("url", ""),
			HealthCheckPath: req.GetString("healthCheckPath", ""),
			Status:          services.Status(req.GetString("status", "")),
			Script:          req.GetString("script", ""),
			Cwd:             req.GetString("cwd", ""),
			Interpreter:     req.GetString("interpreter", ""),
			Args:            stringSliceArg(req, "args"),
			Env:             mapArg(req, "env"),
			Metadata:        mapArg(req, "metadata"),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("service %s registered", svc.Name), map[string]any{
			"service": svc,
		}), nil
	}
}

func unregisterServiceHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		serviceID, err := req.RequireString("serviceId")
		if err != nil {
			return fail(caller, "serviceId is required"), nil
		}

		if err := deps.Services.Unregister(ctx, serviceID, caller); err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "service unregistered", nil), nil
	}
}

func listServicesHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		filters := services.Filters{
			Status:     services.Status(req.GetString("status", "")),
			NamePrefix: req.GetString("namePrefix", ""),
			AgentID:    req.GetString("agentId", ""),
		}
		if req.GetBool("excludeSelf", false) {
			filters.ExcludeAgent = caller
		}

		list, err := deps.Services.List(ctx, filters)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d services", len(list)), map[string]any{
			"services": list,
		}), nil
	}
}

func updateServiceStatusHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		serviceID, err := req.RequireString("serviceId")
		if err != nil {
			return fail(caller, "serviceId is required"), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return fail(caller, "status is required"), nil
		}

		svc, err := deps.Services.UpdateStatus(ctx, serviceID, services.Status(status))
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("service %s is %s", svc.Name, svc.Status), map[string]any{
			"service": svc,
		}), nil
	}
}
