package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/channel"
	"github.com/swarmhq/swarm/internal/services"
	"github.com/swarmhq/swarm/internal/task"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

// statusFor maps domain sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, agent.ErrNotFound),
		errors.Is(err, channel.ErrNotFound),
		errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalid),
		errors.Is(err, channel.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrConflict),
		errors.Is(err, channel.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string) int {
	v, _ := strconv.Atoi(c.Query(key))
	return v
}

func timeQuery(c *gin.Context, key string) *time.Time {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.deps.Agents.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var tags []string
	if raw := c.Query("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	tasks, err := s.deps.Tasks.List(c.Request.Context(), task.Filters{
		Status:     task.Status(c.Query("status")),
		AgentID:    c.Query("agent_id"),
		Unassigned: c.Query("unassigned") == "true",
		OfferedTo:  c.Query("offered_to"),
		TaskType:   c.Query("task_type"),
		Tags:       tags,
		Search:     c.Query("search"),
		ReadyOnly:  c.Query("ready_only") == "true",
		EpicID:     c.Query("epic_id"),
		Limit:      intQuery(c, "limit"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := s.deps.Tasks.Get(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	deps, err := s.deps.Tasks.CheckDependencies(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	events, err := s.deps.Events.ListForTask(ctx, s.deps.DB.DB(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task":         t,
		"dependencies": deps,
		"events":       events,
	})
}

func (s *Server) handleListChannels(c *gin.Context) {
	channels, err := s.deps.Channels.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (s *Server) handleListMessages(c *gin.Context) {
	messages, err := s.deps.Channels.GetMessages(c.Request.Context(), c.Param("id"),
		intQuery(c, "limit"), timeQuery(c, "since"), timeQuery(c, "before"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type postMessageRequest struct {
	Content   string   `json:"content" binding:"required"`
	ReplyToID string   `json:"replyToId"`
	Mentions  []string `json:"mentions"`
}

// handlePostMessage posts a message on behalf of the dashboard. Without an
// X-Agent-ID header the author is recorded as the human user.
func (s *Server) handlePostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Channels.PostMessage(c.Request.Context(), channel.PostParams{
		ChannelID: c.Param("id"),
		AgentID:   c.GetHeader("X-Agent-ID"),
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
		Mentions:  req.Mentions,
		Source:    task.SourceAPI,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":        result.Message,
		"createdTaskIds": result.CreatedTaskIDs,
	})
}

func (s *Server) handleListServices(c *gin.Context) {
	list, err := s.deps.Services.List(c.Request.Context(), services.Filters{
		Status:     services.Status(c.Query("status")),
		NamePrefix: c.Query("name_prefix"),
		AgentID:    c.Query("agent_id"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": list})
}

func (s *Server) handleListSchedules(c *gin.Context) {
	schedules, err := s.deps.Schedules.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *Server) handleListEpics(c *gin.Context) {
	epics, err := s.deps.Epics.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epics": epics})
}

func (s *Server) handleListEvents(c *gin.Context) {
	ctx := c.Request.Context()

	if taskID := c.Query("task_id"); taskID != "" {
		events, err := s.deps.Events.ListForTask(ctx, s.deps.DB.DB(), taskID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
		return
	}

	events, err := s.deps.Events.List(ctx, s.deps.DB.DB(), intQuery(c, "limit"), c.Query("type"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	agents, err := s.deps.Agents.List(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	taskCounts, err := s.deps.Tasks.Store().CountsByStatus(ctx, s.deps.DB.DB())
	if err != nil {
		abortWithError(c, err)
		return
	}
	channels, err := s.deps.Channels.List(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	serviceList, err := s.deps.Services.List(ctx, services.Filters{})
	if err != nil {
		abortWithError(c, err)
		return
	}

	agentsByStatus := map[agent.Status]int{}
	for _, a := range agents {
		agentsByStatus[a.Status]++
	}

	c.JSON(http.StatusOK, gin.H{
		"agents":         len(agents),
		"agentsByStatus": agentsByStatus,
		"tasksByStatus":  taskCounts,
		"channels":       len(channels),
		"services":       len(serviceList),
	})
}
