package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/common/capability"
	"github.com/swarmhq/swarm/internal/common/logger"
)

const missingCallerMessage = "missing agent identity, supply your agent id in the X-Agent-ID header (join-swarm returns it)"

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	count := 0
	if deps.Caps.Has(capability.Core) {
		count += registerCoreTools(s, deps)
	}
	if deps.Caps.Has(capability.TaskPool) {
		count += registerTaskPoolTools(s, deps)
	}
	if deps.Caps.Has(capability.Messaging) {
		count += registerMessagingTools(s, deps)
	}
	if deps.Caps.Has(capability.Profiles) {
		count += registerProfileTools(s, deps)
	}
	if deps.Caps.Has(capability.Services) {
		count += registerServiceTools(s, deps)
	}
	if deps.Caps.Has(capability.Scheduling) {
		count += registerSchedulingTools(s, deps)
	}
	if deps.Caps.Has(capability.Epics) {
		count += registerEpicTools(s, deps)
	}

	log.Info("registered MCP tools",
		zap.Int("count", count),
		zap.Strings("capabilities", deps.Caps.Names()))
}

// toolResult renders a payload as the uniform JSON tool response.
func toolResult(payload map[string]any) *mcp.CallToolResult {
	formatted, _ := json.MarshalIndent(payload, "", "  ")
	return mcp.NewToolResultText(string(formatted))
}

func ok(agentID, message string, extra map[string]any) *mcp.CallToolResult {
	payload := map[string]any{
		"success":     true,
		"message":     message,
		"yourAgentId": agentID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return toolResult(payload)
}

func fail(agentID, message string) *mcp.CallToolResult {
	return toolResult(map[string]any{
		"success":     false,
		"message":     message,
		"yourAgentId": agentID,
	})
}

func failErr(agentID string, err error) *mcp.CallToolResult {
	return fail(agentID, err.Error())
}

// requireCaller resolves the caller's agent id from the request context.
// Every tool except join-swarm requires it.
func requireCaller(ctx context.Context) (string, *mcp.CallToolResult) {
	id := callerID(ctx)
	if id == "" {
		return "", fail("", missingCallerMessage)
	}
	return id, nil
}

// stringSliceArg reads an optional array-of-strings argument. Non-string
// elements are dropped.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, present := req.GetArguments()[key]
	if !present {
		return nil
	}
	items, isArray := raw.([]any)
	if !isArray {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, isString := item.(string); isString {
			out = append(out, s)
		}
	}
	return out
}

// mapArg reads an optional object argument.
func mapArg(req mcp.CallToolRequest, key string) map[string]any {
	raw, present := req.GetArguments()[key]
	if !present {
		return nil
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return nil
	}
	return m
}

// intPtrArg reads an optional integer argument, distinguishing absent from
// zero.
func intPtrArg(req mcp.CallToolRequest, key string) *int {
	if _, present := req.GetArguments()[key]; !present {
		return nil
	}
	v := req.GetInt(key, 0)
	return &v
}

// int64PtrArg reads an optional integer argument as int64.
func int64PtrArg(req mcp.CallToolRequest, key string) *int64 {
	if _, present := req.GetArguments()[key]; !present {
		return nil
	}
	v := int64(req.GetInt(key, 0))
	return &v
}

// strPtrArg reads an optional string argument, distinguishing absent from
// empty.
func strPtrArg(req mcp.CallToolRequest, key string) *string {
	if _, present := req.GetArguments()[key]; !present {
		return nil
	}
	v := req.GetString(key, "")
	return &v
}

// boolPtrArg reads an optional boolean argument, distinguishing absent from
// false.
func boolPtrArg(req mcp.CallToolRequest, key string) *bool {
	if _, present := req.GetArguments()[key]; !present {
		return nil
	}
	v := req.GetBool(key, false)
	return &v
}
