package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func registerProfileTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("update-profile",
			mcp.WithDescription("Update your agent profile. Only the fields you supply change."),
			mcp.WithString("role", mcp.Description("New role")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithArray("capabilities", mcp.Description("Replacement capability tags")),
		),
		updateProfileHandler(deps),
	)

	return 1
}

func updateProfileHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		a, err := deps.Agents.UpdateProfile(ctx, caller,
			strPtrArg(req, "role"),
			strPtrArg(req, "description"),
			stringSliceArg(req, "capabilities"))
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "profile updated", map[string]any{"agent": a}), nil
	}
}
