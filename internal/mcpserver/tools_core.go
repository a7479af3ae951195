package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/inbox"
	"github.com/swarmhq/swarm/internal/task"
)

func registerCoreTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("join-swarm",
			mcp.WithDescription("Register this agent with the swarm. Returns your agent id; supply it in the X-Agent-ID header on every later call."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Unique agent name"),
			),
			mcp.WithString("agentId",
				mcp.Description("Requested agent id (optional, one is minted when omitted)"),
			),
			mcp.WithBoolean("lead",
				mcp.Description("Join as the swarm lead. At most one lead may exist."),
			),
			mcp.WithString("role",
				mcp.Description("Short role description, e.g. 'frontend'"),
			),
			mcp.WithString("description",
				mcp.Description("Longer free-form description of this agent"),
			),
			mcp.WithArray("capabilities",
				mcp.Description("Capability tags other agents can discover you by"),
			),
			mcp.WithNumber("maxTasks",
				mcp.Description("Maximum concurrent active tasks (default 1)"),
			),
		),
		joinSwarmHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("my-agent-info",
			mcp.WithDescription("Return your agent record plus an inbox summary: unread messages, unread mentions, offered tasks, pool size, and your in-progress count."),
		),
		myAgentInfoHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get-swarm",
			mcp.WithDescription("List every agent in the swarm and the task counts by status."),
		),
		getSwarmHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get-tasks",
			mcp.WithDescription("List tasks with optional filters. Ordered by priority, then recency."),
			mcp.WithString("status", mcp.Description("Filter by status (backlog, unassigned, offered, pending, in_progress, paused, reviewing, completed, failed, cancelled)")),
			mcp.WithString("agentId", mcp.Description("Filter by assigned agent")),
			mcp.WithBoolean("unassigned", mcp.Description("Only unassigned pool tasks")),
			mcp.WithString("offeredTo", mcp.Description("Only tasks offered to this agent")),
			mcp.WithString("taskType", mcp.Description("Filter by task type")),
			mcp.WithArray("tags", mcp.Description("Match any of these tags")),
			mcp.WithString("search", mcp.Description("Free-text search over task descriptions")),
			mcp.WithBoolean("readyOnly", mcp.Description("Only tasks whose dependencies are all completed")),
			mcp.WithString("epicId", mcp.Description("Only tasks belonging to this epic")),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		),
		getTasksHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get-task-details",
			mcp.WithDescription("Return one task with its dependency state and full event history."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task id")),
		),
		getTaskDetailsHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("send-task",
			mcp.WithDescription("Create a task. With agentId it is assigned directly (capacity permitting); with agentId and offerMode it is offered for accept/reject; with neither it lands in the unassigned pool."),
			mcp.WithString("task", mcp.Required(), mcp.Description("The task description")),
			mcp.WithString("agentId", mcp.Description("Target agent for direct assignment or offer")),
			mcp.WithBoolean("offerMode", mcp.Description("Offer instead of direct-assign; the target may accept or reject")),
			mcp.WithString("taskType", mcp.Description("Free-form task type")),
			mcp.WithArray("tags", mcp.Description("Tags for filtering")),
			mcp.WithNumber("priority", mcp.Description("0-100, higher first (default 50)")),
			mcp.WithArray("dependsOn", mcp.Description("Task ids that must complete before this one is ready")),
			mcp.WithString("parentTaskId", mcp.Description("Parent task; without agentId the task inherits the parent's assignee")),
			mcp.WithString("epicId", mcp.Description("Epic to attach the task to")),
		),
		sendTaskHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("store-progress",
			mcp.WithDescription("Record a progress snapshot on a task you are assigned to."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("progress", mcp.Required(), mcp.Description("Progress snapshot text")),
		),
		storeProgressHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel-task",
			mcp.WithDescription("Cancel a non-terminal task. Only the lead or the task's creator may cancel."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("reason", mcp.Description("Why the task is cancelled")),
		),
		cancelTaskHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("poll-task",
			mcp.WithDescription("Return your next actionable task: an offer awaiting your accept/reject, else your highest-priority pending task."),
		),
		pollTaskHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get-inbox-message",
			mcp.WithDescription("Read one inbox message addressed to you, including its external chat context."),
			mcp.WithString("inboxMessageId", mcp.Required(), mcp.Description("The inbox message id")),
		),
		getInboxMessageHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("inbox-delegate",
			mcp.WithDescription("Delegate an inbox message to a worker as a task carrying the original chat context. Each message can be delegated once."),
			mcp.WithString("inboxMessageId", mcp.Required(), mcp.Description("The inbox message id")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("The worker to delegate to (must not be a lead)")),
			mcp.WithString("taskDescription", mcp.Description("Task text (defaults to the message content)")),
			mcp.WithBoolean("offerMode", mcp.Description("Offer instead of direct-assign")),
			mcp.WithString("parentTaskId", mcp.Description("Parent task for session affinity")),
		),
		inboxDelegateHandler(deps),
	)

	return 11
}

func joinSwarmHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return fail(callerID(ctx), "name is required"), nil
		}

		a, err := deps.Agents.Join(ctx, agent.JoinParams{
			RequestedID:  req.GetString("agentId", ""),
			Name:         name,
			Lead:         req.GetBool("lead", false),
			Role:         req.GetString("role", ""),
			Description:  req.GetString("description", ""),
			Capabilities: stringSliceArg(req, "capabilities"),
			MaxTasks:     req.GetInt("maxTasks", 0),
		})
		if err != nil {
			return failErr(callerID(ctx), err), nil
		}

		return ok(a.ID, fmt.Sprintf("welcome to the swarm, %s", a.Name), map[string]any{
			"agent": a,
		}), nil
	}
}

func myAgentInfoHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		a, err := deps.Agents.Get(ctx, caller)
		if err != nil {
			return failErr(caller, err), nil
		}
		summary, err := deps.Inbox.GetSummary(ctx, caller)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "agent info", map[string]any{
			"agent":   a,
			"summary": summary,
		}), nil
	}
}

func getSwarmHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		agents, err := deps.Agents.List(ctx)
		if err != nil {
			return failErr(caller, err), nil
		}
		counts, err := deps.Tasks.Store().CountsByStatus(ctx, deps.DB.DB())
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d agents in the swarm", len(agents)), map[string]any{
			"agents":     agents,
			"taskCounts": counts,
		}), nil
	}
}

func getTasksHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		tasks, err := deps.Tasks.List(ctx, task.Filters{
			Status:     task.Status(req.GetString("status", "")),
			AgentID:    req.GetString("agentId", ""),
			Unassigned: req.GetBool("unassigned", false),
			OfferedTo:  req.GetString("offeredTo", ""),
			TaskType:   req.GetString("taskType", ""),
			Tags:       stringSliceArg(req, "tags"),
			Search:     req.GetString("search", ""),
			ReadyOnly:  req.GetBool("readyOnly", false),
			EpicID:     req.GetString("epicId", ""),
			Limit:      req.GetInt("limit", 0),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d tasks", len(tasks)), map[string]any{
			"tasks": tasks,
		}), nil
	}
}

func getTaskDetailsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return fail(caller, "taskId is required"), nil
		}

		t, err := deps.Tasks.Get(ctx, taskID)
		if err != nil {
			return failErr(caller, err), nil
		}
		depCheck, err := deps.Tasks.CheckDependencies(ctx, taskID)
		if err != nil {
			return failErr(caller, err), nil
		}
		events, err := deps.Events.ListForTask(ctx, deps.DB.DB(), taskID)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "task details", map[string]any{
			"task":         t,
			"dependencies": depCheck,
			"events":       events,
		}), nil
	}
}

func sendTaskHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		text, err := req.RequireString("task")
		if err != nil {
			return fail(caller, "task is required"), nil
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
			EpicID:         req.GetString("epicId", ""),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("task %s created with status %s", t.ShortID(), t.Status), map[string]any{
			"task": t,
		}), nil
	}
}

func storeProgressHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return fail(caller, "taskId is required"), nil
		}
		progress, err := req.RequireString("progress")
		if err != nil {
			return fail(caller, "progress is required"), nil
		}

		t, err := deps.Tasks.UpdateProgress(ctx, taskID, caller, progress)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "progress stored", map[string]any{"task": t}), nil
	}
}

func cancelTaskHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return fail(caller, "taskId is required"), nil
		}

		t, err := deps.Tasks.Cancel(ctx, taskID, caller, req.GetString("reason", ""))
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("task %s cancelled", t.ShortID()), map[string]any{"task": t}), nil
	}
}

func pollTaskHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		offered, err := deps.Tasks.List(ctx, task.Filters{OfferedTo: caller, Status: task.StatusOffered, Limit: 1})
		if err != nil {
			return failErr(caller, err), nil
		}
		if len(offered) > 0 {
			return ok(caller, "you have a pending offer, accept or reject it", map[string]any{
				"task": offered[0],
			}), nil
		}

		pending, err := deps.Tasks.List(ctx, task.Filters{AgentID: caller, Status: task.StatusPending, Limit: 1})
		if err != nil {
			return failErr(caller, err), nil
		}
		if len(pending) > 0 {
			return ok(caller, "you have an assigned task waiting to start", map[string]any{
				"task": pending[0],
			}), nil
		}

		return ok(caller, "no actionable task, check the pool with get-tasks", nil), nil
	}
}

func getInboxMessageHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		messageID, err := req.RequireString("inboxMessageId")
		if err != nil {
			return fail(caller, "inboxMessageId is required"), nil
		}

		m, err := deps.Inbox.Get(ctx, messageID, caller)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "inbox message", map[string]any{"inboxMessage": m}), nil
	}
}

func inboxDelegateHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		messageID, err := req.RequireString("inboxMessageId")
		if err != nil {
			return fail(caller, "inboxMessageId is required"), nil
		}
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return fail(caller, "agentId is required"), nil
		}

		t, err := deps.Inbox.Delegate(ctx, messageID, caller, agentID, inbox.DelegateParams{
			TaskDescription: req.GetString("taskDescription", ""),
			OfferMode:       req.GetBool("offerMode", false),
			ParentTaskID:    req.GetString("parentTaskId", ""),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("delegated as task %s (%s)", t.ShortID(), t.Status), map[string]any{
			"task": t,
		}), nil
	}
}
