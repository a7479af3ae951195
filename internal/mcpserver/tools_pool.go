package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmhq/swarm/internal/task"
)

func registerTaskPoolTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("task-action",
			mcp.WithDescription("Run a task lifecycle action. Actions: create, claim, release, accept, reject, start, pause, resume, complete, fail, to_backlog, from_backlog."),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("The lifecycle action to perform"),
			),
			mcp.WithString("taskId",
				mcp.Description("The task id (required for everything except create)"),
			),
			mcp.WithString("task",
				mcp.Description("Task description (create only)"),
			),
			mcp.WithString("agentId",
				mcp.Description("Target agent (create only)"),
			),
			mcp.WithBoolean("offerMode",
				mcp.Description("Offer instead of direct-assign (create only)"),
			),
			mcp.WithString("taskType",
				mcp.Description("Task type (create only)"),
			),
			mcp.WithArray("tags",
				mcp.Description("Tags (create only)"),
			),
			mcp.WithNumber("priority",
				mcp.Description("0-100 priority (create only)"),
			),
			mcp.WithArray("dependsOn",
				mcp.Description("Dependency task ids (create only)"),
			),
			mcp.WithString("parentTaskId",
				mcp.Description("Parent task id (create only)"),
			),
			mcp.WithString("reason",
				mcp.Description("Reason (reject and fail)"),
			),
			mcp.WithString("output",
				mcp.Description("Final output (complete)"),
			),
		),
		taskActionHandler(deps),
	)

	return 1
}

func taskActionHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return fail(caller, "action is required"), nil
		}

		if action == "create" {
			text := req.GetString("task", "")
			if text == "" {
				return fail(caller, "task is required for create"), nil
			}
			t, err := deps.Tasks.Create(ctx, task.CreateParams{
				Task:           text,
				Source:         task.SourceMCP,
				AgentID:        req.GetString("agentId", ""),
				OfferMode:      req.GetBool("offerMode", false),
				CreatorAgentID: caller,
				TaskType:       req.GetString("taskType", ""),
				Tags:           stringSliceArg(req, "tags"),
				Priority:       intPtrArg(req, "priority"),
				DependsOn:      stringSliceArg(req, "dependsOn"),
				ParentTaskID:   req.GetString("parentTaskId", ""),
			})
			if err != nil {
				return failErr(caller, err), nil
			}
			return ok(caller, fmt.Sprintf("task %s created with status %s", t.ShortID(), t.Status), map[string]any{"task": t}), nil
		}

		taskID := req.GetString("taskId", "")
		if taskID == "" {
			return fail(caller, "taskId is required"), nil
		}

		var t *task.Task
		switch action {
		case "claim":
			t, err = deps.Tasks.Claim(ctx, taskID, caller)
		case "release":
			t, err = deps.Tasks.Release(ctx, taskID, caller)
		case "accept":
			t, err = deps.Tasks.Accept(ctx, taskID, caller)
		case "reject":
			t, err = deps.Tasks.Reject(ctx, taskID, caller, req.GetString("reason", ""))
		case "start":
			t, err = deps.Tasks.Start(ctx, taskID, caller)
		case "pause":
			t, err = deps.Tasks.Pause(ctx, taskID, caller)
		case "resume":
			t, err = deps.Tasks.Resume(ctx, taskID, caller)
		case "complete":
			t, err = deps.Tasks.Complete(ctx, taskID, caller, req.GetString("output", ""))
		case "fail":
			reason := req.GetString("reason", "")
			if reason == "" {
				return fail(caller, "reason is required for fail"), nil
			}
			t, err = deps.Tasks.Fail(ctx, taskID, caller, reason)
		case "to_backlog":
			t, err = deps.Tasks.ToBacklog(ctx, taskID, caller)
		case "from_backlog":
			t, err = deps.Tasks.FromBacklog(ctx, taskID, caller)
		default:
			return fail(caller, fmt.Sprintf("unknown action %q", action)), nil
		}
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("task %s is now %s", t.ShortID(), t.Status), map[string]any{
			"task": t,
		}), nil
	}
}
