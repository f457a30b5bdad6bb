package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/web4ai/orchestrator/pkg/engine"
	"github.com/web4ai/orchestrator/pkg/registry"
	"github.com/web4ai/orchestrator/pkg/types"
)

type registerRequest struct {
	NodeID       string            `json:"node_id" binding:"required"`
	Endpoint     string            `json:"endpoint" binding:"required"`
	NodeType     string            `json:"node_type"`
	Capabilities []string          `json:"capabilities"`
	Version      string            `json:"version"`
	Location     string            `json:"location"`
	Metadata     map[string]string `json:"metadata"`
	Agents       []types.Agent     `json:"agents"`
}

func (s *Server) handleRegisterNode(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.orch.RegisterNode(types.Node{
		ID:           req.NodeID,
		Endpoint:     req.Endpoint,
		Type:         req.NodeType,
		Capabilities: req.Capabilities,
		Version:      req.Version,
		Location:     req.Location,
		Metadata:     req.Metadata,
		Agents:       req.Agents,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"node_id": req.NodeID,
		"created": res.Created,
		"rotated": res.Rotated,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var sample types.ResourceSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.Heartbeat(c.Param("id"), sample); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Server) handleUnregisterNode(c *gin.Context) {
	if err := s.orch.UnregisterNode(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unregistered": true})
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes := s.orch.ListNodes()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(c *gin.Context) {
	n, ok := s.orch.GetNode(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleSetNodeStatus(c *gin.Context) {
	var req struct {
		Status types.NodeStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.SetNodeStatus(c.Param("id"), req.Status); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": c.Param("id"), "status": req.Status})
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.orch.ListAgents()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

type submitRequest struct {
	TaskType       string             `json:"task_type" binding:"required"`
	Priority       types.TaskPriority `json:"priority"`
	Requirements   types.Requirements `json:"requirements"`
	InputData      json.RawMessage    `json:"input_data"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	MaxRetries     int                `json:"max_retries"`
	CallbackURL    string             `json:"callback_url"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	if s.submitLimiter != nil && !s.submitLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "submit rate exceeded"})
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TimeoutSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_seconds must be positive"})
		return
	}
	id, err := s.orch.SubmitTask(&types.Task{
		Type:         req.TaskType,
		Priority:     req.Priority,
		Requirements: req.Requirements,
		InputData:    req.InputData,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRetries:   req.MaxRetries,
		CallbackURL:  req.CallbackURL,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "state": types.TaskStatePending})
}

func (s *Server) handleListTasks(c *gin.Context) {
	f := engine.ListFilter{
		State:  types.TaskState(c.Query("state")),
		NodeID: c.Query("node"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = limit
	}
	tasks := s.orch.ListTasks(f)
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, ok := s.orch.GetTask(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.orch.CancelTask(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "state": types.TaskStateCancelled})
}

type resultRequest struct {
	NodeID       string           `json:"node_id" binding:"required"`
	Success      bool             `json:"success"`
	Result       json.RawMessage  `json:"result"`
	ErrorMessage string           `json:"error_message"`
	ErrorClass   types.ErrorClass `json:"error_class"`
}

func (s *Server) handleTaskResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.orch.ReportResult(c.Param("id"), req.NodeID, types.TaskOutcome{
		Success:      req.Success,
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
		ErrorClass:   req.ErrorClass,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.NetworkStatus())
}

func (s *Server) handleMetricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.NetworkStatus().Metrics)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.ConfigSnapshot())
}

func (s *Server) handlePatchConfig(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.ApplyConfigPatch(patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.orch.ConfigSnapshot())
}

// handleEvents streams lifecycle events as server-sent events until
// the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	sub := s.orch.SubscribeEvents()
	defer s.orch.UnsubscribeEvents(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnknownNode), errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict), errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrNotAssigned):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNodeLimit), errors.Is(err, engine.ErrOverloaded):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
