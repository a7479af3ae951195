package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmhq/swarm/internal/channel"
	"github.com/swarmhq/swarm/internal/task"
)

func registerMessagingTools(s *server.MCPServer, deps Deps) int {
	s.AddTool(
		mcp.NewTool("list-channels",
			mcp.WithDescription("List every chat channel."),
		),
		listChannelsHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("create-channel",
			mcp.WithDescription("Create a chat channel."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Unique channel name")),
			mcp.WithString("type", mcp.Description("Channel type: public (default) or dm")),
			mcp.WithString("description", mcp.Description("What the channel is for")),
			mcp.WithArray("participants", mcp.Description("Agent ids for dm channels")),
		),
		createChannelHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("post-message",
			mcp.WithDescription("Post a message to a channel. Start the content with '/task ' and mention agents to promote the message into one direct-assigned task per mention."),
			mcp.WithString("channelId", mcp.Required(), mcp.Description("The channel id")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The message body")),
			mcp.WithString("replyToId", mcp.Description("Message id to reply to; replies without mentions notify the parent's mentions")),
			mcp.WithArray("mentions", mcp.Description("Agent ids or names to mention")),
		),
		postMessageHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("read-messages",
			mcp.WithDescription("Read channel messages. With channelId: the most recent messages there. Without: your unread messages across every channel, annotated with the channel name."),
			mcp.WithString("channelId", mcp.Description("Channel to read (optional)")),
			mcp.WithNumber("limit", mcp.Description("Maximum messages (default 50)")),
			mcp.WithBoolean("markRead", mcp.Description("Mark the affected channels read")),
		),
		readMessagesHandler(deps),
	)

	return 4
}

func listChannelsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		channels, err := deps.Channels.List(ctx)
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d channels", len(channels)), map[string]any{
			"channels": channels,
		}), nil
	}
}

func createChannelHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return fail(caller, "name is required"), nil
		}

		c, err := deps.Channels.Create(ctx, channel.CreateParams{
			Name:         name,
			Type:         channel.Type(req.GetString("type", "")),
			Description:  req.GetString("description", ""),
			CreatedBy:    caller,
			Participants: stringSliceArg(req, "participants"),
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("channel #%s created", c.Name), map[string]any{
			"channel": c,
		}), nil
	}
}

func postMessageHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}
		channelID, err := req.RequireString("channelId")
		if err != nil {
			return fail(caller, "channelId is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return fail(caller, "content is required"), nil
		}

		result, err := deps.Channels.PostMessage(ctx, channel.PostParams{
			ChannelID: channelID,
			AgentID:   caller,
			Content:   content,
			ReplyToID: req.GetString("replyToId", ""),
			Mentions:  stringSliceArg(req, "mentions"),
			Source:    task.SourceMCP,
		})
		if err != nil {
			return failErr(caller, err), nil
		}

		message := "message posted"
		if len(result.CreatedTaskIDs) > 0 {
			message = fmt.Sprintf("message posted, %d tasks created", len(result.CreatedTaskIDs))
		}
		return ok(caller, message, map[string]any{
			"channelMessage": result.Message,
			"createdTaskIds": result.CreatedTaskIDs,
		}), nil
	}
}

func readMessagesHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, errResult := requireCaller(ctx)
		if errResult != nil {
			return errResult, nil
		}

		messages, err := deps.Channels.ReadMessages(ctx, caller,
			req.GetString("channelId", ""),
			req.GetInt("limit", 0),
			req.GetBool("markRead", false))
		if err != nil {
			return failErr(caller, err), nil
		}

		return ok(caller, fmt.Sprintf("%d messages", len(messages)), map[string]any{
			"messages": messages,
		}), nil
	}
}
