package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmhq/swarm/internal/schedule"
)

func registerSchedulingTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("list-schedules",
			mcp.WithDescription("List every scheduled task."),
		),
		listSchedulesHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("create-schedule",
			mcp.WithDescription("Create a recurring task schedule. Exactly one of cronExpression or intervalMs must be set."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Unique schedule name")),
			mcp.WithString("taskTemplate", mcp.Required(), mcp.Description("Task text materialized on each run")),
			mcp.WithString("description", mcp.Description("What the schedule is for")),
			mcp.WithString("taskType", mcp.Description("Task type stamped on materialized tasks")),
			mcp.WithArray("tags", mcp.Description("Tags stamped on materialized tasks")),
			mcp.WithNumber("priority", mcp.Description("Priority of materialized tasks (default 50)")),
			mcp.WithString("targetAgentId", mcp.Description("Direct-assign target; omit for the unassigned pool")),
			mcp.WithString("cronExpression", mcp.Description("Cron cadence, e.g. '0 9 * * 1-5' or '@hourly'")),
			mcp.WithNumber("intervalMs", mcp.Description("Fixed interval cadence in milliseconds")),
			mcp.WithString("timezone", mcp.Description("IANA timezone for cron evaluation (default UTC)")),
			mcp.WithBoolean("enabled", mcp.Description("Start enabled (default true)")),
		),
		createScheduleHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("update-schedule",
			mcp.WithDescription("Update a schedule. Only the creator or the lead may update. Disabling clears the next run; enabling recomputes it."),
			mcp.WithString("scheduleId", mcp.Required(), mcp.Description("The schedule id")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("taskTemplate", mcp.Description("New task template")),
			mcp.WithString("taskType", mcp.Description("New task type")),
			mcp.WithArray("tags", mcp.Description("Replacement tags")),
			mcp.WithNumber("priority", mcp.Description("New priority")),
			mcp.WithString("targetAgentId", mcp.Description("New target agent, empty string clears it")),
			mcp.WithString("cronExpression", mcp.Description("New cron cadence, empty string clears it")),
			mcp.WithNumber("intervalMs", mcp.Description("New interval cadence, 0 clears it")),
			mcp.WithString("timezone", mcp.Description("New timezone")),
			mcp.WithBoolean("enabled", mcp.Description("Enable or disable the schedule")),
		),
		updateScheduleHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("delete-schedule",
			mcp.WithDescription("Delete a schedule. Only the creator or the lead may delete."),
			mcp.WithString("scheduleId", mcp.Required(), mcp.Description("The schedule id")),
		),
		deleteScheduleHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("run-schedule-now",
			mcp.WithDescription("Materialize a schedule's task immediately without changing its next run time."),
			mcp.WithString("scheduleId", mcp.Required(), mcp.Description("The schedule id")),
		),
		runScheduleNowHandler(deps),
	)

	return 5
}

func listSchedulesHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		schedules, err := deps.Schedules.List(ctx)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d schedules", len(schedules)), map[string]any{
			"schedules": schedules,
		}), nil
	}
}

func createScheduleHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return fail(caller, "name is required"), nil
		}
		template, err := req.RequireString("taskTemplate")
		if err != nil {
			return fail(caller, "taskTemplate is required"), nil
		}

		st, err := deps.Schedules.Create(ctx, schedule.CreateParams{
			Name:             name,
			Description:      req.GetString("description", ""),
			TaskTemplate:     template,
			TaskType:         req.GetString("taskType", ""),
			Tags:             stringSliceArg(req, "tags"),
			Priority:         intPtrArg(req, "priority"),
			TargetAgentID:    req.GetString("targetAgentId", ""),
			CronExpression:   req.GetString("cronExpression", ""),
			IntervalMs:       int64(req.GetInt("intervalMs", 0)),
			Timezone:         req.GetString("timezone", ""),
			Enabled:          boolPtrArg(req, "enabled"),
			CreatedByAgentID: caller,
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("schedule %s created", st.Name), map[string]any{
			"schedule": st,
		}), nil
	}
}

func updateScheduleHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		scheduleID, err := req.RequireString("scheduleId")
		if err != nil {
			return fail(caller, "scheduleId is required"), nil
		}

		st, err := deps.Schedules.Update(ctx, scheduleID, caller, schedule.UpdateParams{
			Description:    strPtrArg(req, "description"),
			TaskTemplate:   strPtrArg(req, "taskTemplate"),
			TaskType:       strPtrArg(req, "taskType"),
			Tags:           stringSliceArg(req, "tags"),
			Priority:       intPtrArg(req, "priority"),
			TargetAgentID:  strPtrArg(req, "targetAgentId"),
			CronExpression: strPtrArg(req, "cronExpression"),
			IntervalMs:     int64PtrArg(req, "intervalMs"),
			Timezone:       strPtrArg(req, "timezone"),
			Enabled:        boolPtrArg(req, "enabled"),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("schedule %s updated", st.Name), map[string]any{
			"schedule": st,
		}), nil
	}
}

func deleteScheduleHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		scheduleID, err := req.RequireString("scheduleId")
		if err != nil {
			return fail(caller, "scheduleId is required"), nil
		}

		if err := deps.Schedules.Delete(ctx, scheduleID, caller); err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, "schedule deleted", nil), nil
	}
}

func runScheduleNowHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		scheduleID, err := req.RequireString("scheduleId")
		if err != nil {
			return fail(caller, "scheduleId is required"), nil
		}

		t, err := deps.Schedules.RunNow(ctx, scheduleID, caller)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("materialized task %s", t.ShortID()), map[string]any{
			"task": t,
		}), nil
	}
}
