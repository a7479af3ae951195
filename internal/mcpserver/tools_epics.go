package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmhq/swarm/internal/epic"
	"github.com/swarmhq/swarm/internal/task"
)

func registerEpicTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("create-epic",
			mcp.WithDescription("Create an epic in draft status. Lead only."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Unique epic name")),
			mcp.WithString("goal", mcp.Required(), mcp.Description("What done looks like")),
			mcp.WithString("description", mcp.Description("Longer description")),
			mcp.WithString("prd", mcp.Description("Product requirements document")),
			mcp.WithString("plan", mcp.Description("Implementation plan")),
			mcp.WithNumber("priority", mcp.Description("0-100, higher first (default 50)")),
			mcp.WithArray("tags", mcp.Description("Tags")),
			mcp.WithString("leadAgentId", mcp.Description("Agent responsible for the epic")),
			mcp.WithString("channelId", mcp.Description("Discussion channel")),
			mcp.WithObject("externalRefs", mcp.Description("Links to external trackers")),
		),
		createEpicHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("list-epics",
			mcp.WithDescription("List every epic."),
		),
		listEpicsHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get-epic-details",
			mcp.WithDescription("Return one epic with its task progress counts and member tasks."),
			mcp.WithString("epicId", mcp.Required(), mcp.Description("The epic id")),
		),
		getEpicDetailsHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("update-epic",
			mcp.WithDescription("Update an epic. Lead only; terminal epics are immutable."),
			mcp.WithString("epicId", mcp.Required(), mcp.Description("The epic id")),
			mcp.WithString("goal", mcp.Description("New goal")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("prd", mcp.Description("New PRD")),
			mcp.WithString("plan", mcp.Description("New plan")),
			mcp.WithString("status", mcp.Description("New status: draft, active, paused, completed, cancelled")),
			mcp.WithNumber("priority", mcp.Description("New priority")),
			mcp.WithArray("tags", mcp.Description("Replacement tags")),
			mcp.WithString("leadAgentId", mcp.Description("New responsible agent")),
			mcp.WithString("channelId", mcp.Description("New discussion channel")),
		),
		updateEpicHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("delete-epic",
			mcp.WithDescription("Delete an epic. Lead only. Member tasks are detached, not deleted."),
			mcp.WithString("epicId", mcp.Required(), mcp.Description("The epic id")),
		),
		deleteEpicHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("assign-task-to-epic",
			mcp.WithDescription("Attach a task to an epic. Lead only. Adds the epic:<name> tag."),
			mcp.WithString("epicId", mcp.Required(), mcp.Description("The epic id")),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task id")),
		),
		assignTaskToEpicHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("unassign-task-from-epic",
			mcp.WithDescription("Detach a task from an epic. Lead only. Removes the epic:<name> tag."),
			mcp.WithString("epicId", mcp.Required(), mcp.Description("The epic id")),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task id")),
		),
		unassignTaskFromEpicHandler(deps),
	)

	return 7
}

func createEpicHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return fail(caller, "name is required"), nil
		}
		goal, err := req.RequireString("goal")
		if err != nil {
			return fail(caller, "goal is required"), nil
		}

		e, err := deps.Epics.Create(ctx, caller, epic.CreateParams{
			Name:         name,
			Goal:         goal,
			Description:  req.GetString("description", ""),
			PRD:          req.GetString("prd", ""),
			Plan:         req.GetString("plan", ""),
			Priority:     intPtrArg(req, "priority"),
			Tags:         stringSliceArg(req, "tags"),
			LeadAgentID:  req.GetString("leadAgentId", ""),
			ChannelID:    req.GetString("channelId", ""),
			ExternalRefs: mapArg(req, "externalRefs"),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("epic %s created", e.Name), map[string]any{"epic": e}), nil
	}
}

func listEpicsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		epics, err := deps.Epics.List(ctx)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d epics", len(epics)), map[string]any{"epics": epics}), nil
	}
}

func getEpicDetailsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		epicID, err := req.RequireString("epicId")
		if err != nil {
			return fail(caller, "epicId is required"), nil
		}

		e, err := deps.Epics.Get(ctx, epicID)
		if err != nil {
			return failErr(caller, err), nil
		}
		progress, err := deps.Epics.GetProgress(ctx, epicID)
		if err != nil {
			return failErr(caller, err), nil
		}
		tasks, err := deps.Tasks.List(ctx, task.Filters{EpicID: epicID})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "epic details", map[string]any{
			"epic":     e,
			"progress": progress,
			"tasks":    tasks,
		}), nil
	}
}

func updateEpicHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		epicID, err := req.RequireString("epicId")
		if err != nil {
			return fail(caller, "epicId is required"), nil
		}

		var status *epic.Status
		if s := strPtrArg(req, "status"); s != nil {
			v := epic.Status(*s)
			status = &v
		}

		e, err := deps.Epics.Update(ctx, epicID, caller, epic.UpdateParams{
			Goal:        strPtrArg(req, "goal"),
			Description: strPtrArg(req, "description"),
			PRD:         strPtrArg(req, "prd"),
			Plan:        strPtrArg(req, "plan"),
			Status:      status,
			Priority:    intPtrArg(req, "priority"),
			Tags:        stringSliceArg(req, "tags"),
			LeadAgentID: strPtrArg(req, "leadAgentId"),
			ChannelID:   strPtrArg(req, "channelId"),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("epic %s updated", e.Name), map[string]any{"epic": e}), nil
	}
}

func deleteEpicHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		epicID, err := req.RequireString("epicId")
		if err != nil {
			return fail(caller, "epicId is required"), nil
		}

		if err := deps.Epics.Delete(ctx, epicID, caller); err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "epic deleted", nil), nil
	}
}

func assignTaskToEpicHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		epicID, err := req.RequireString("epicId")
		if err != nil {
			return fail(caller, "epicId is required"), nil
		}
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return fail(caller, "taskId is required"), nil
		}

		if err := deps.Epics.AssignTask(ctx, epicID, taskID, caller); err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "task assigned to epic", nil), nil
	}
}

func unassignTaskFromEpicHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		epicID, err := req.RequireString("epicId")
		if err != nil {
			return fail(caller, "epicId is required"), nil
		}
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return fail(caller, "taskId is required"), nil
		}

		if err := deps.Epics.UnassignTask(ctx, epicID, taskID, caller); err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "task detached from epic", nil), nil
	}
}
