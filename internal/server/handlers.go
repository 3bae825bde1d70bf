package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/bridge"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/selector"
)

// operationRequest is the submission body for POST /api/v1/operations.
type operationRequest struct {
	Action    string                 `json:"action" binding:"required"`
	Params    map[string]interface{} `json:"params"`
	TimeoutMs int64                  `json:"timeout_ms"`
}

// actionRoute classifies an action for the selector. Mutating actions never
// go through the multi-backend try list.
type actionRoute struct {
	class    selector.Class
	mutating bool
}

var actionRoutes = map[bridge.Action]actionRoute{
	bridge.ActionOpenScene:          {selector.ClassScene, true},
	bridge.ActionSaveScene:          {selector.ClassScene, true},
	bridge.ActionCreateScene:        {selector.ClassScene, true},
	bridge.ActionGetSceneTree:       {selector.ClassScene, false},
	bridge.ActionCreateNode:         {selector.ClassNode, true},
	bridge.ActionDeleteNode:         {selector.ClassNode, true},
	bridge.ActionUpdateNodeProperty: {selector.ClassNode, true},
	bridge.ActionCreateScript:       {selector.ClassScript, true},
	bridge.ActionEditScript:         {selector.ClassScript, true},
	bridge.ActionGetScript:          {selector.ClassScript, false},
	bridge.ActionGetProjectInfo:     {selector.ClassProject, false},
	bridge.ActionListProjectFiles:   {selector.ClassProject, false},
	bridge.ActionRunProject:         {selector.ClassProject, true},
	bridge.ActionStopProject:        {selector.ClassProject, true},
}

// routeFor classifies an action. Unknown actions are carried through as
// non-mutating project operations; the editor plugin decides whether it can
// service them.
func routeFor(action bridge.Action) actionRoute {
	if route, ok := actionRoutes[action]; ok {
		return route
	}
	return actionRoute{selector.ClassProject, false}
}

func (s *Server) handleOperation(c *gin.Context) {
	var body operationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &errdefs.ValidationError{Field: "action", Message: err.Error()})
		return
	}

	action := bridge.Action(body.Action)
	route := routeFor(action)

	req := selector.Request{
		Class:   route.class,
		Action:  action,
		Params:  body.Params,
		Timeout: time.Duration(body.TimeoutMs) * time.Millisecond,
	}

	var (
		result interface{}
		err    error
	)
	if route.mutating {
		result, err = s.operations.ExecuteMutation(c.Request.Context(), req)
	} else {
		result, err = s.operations.Execute(c.Request.Context(), req)
	}

	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"action":  body.Action,
		"result":  result,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	bridgeStatus := s.bridge.Status()
	poolBreaker := s.pool.BreakerState()

	c.JSON(http.StatusOK, gin.H{
		"bridge": gin.H{
			"connected":          bridgeStatus.Connected,
			"circuit_state":      string(bridgeStatus.CircuitState),
			"reconnect_attempts": bridgeStatus.ReconnectAttempts,
			"last_message_time":  bridgeStatus.LastMessageTime,
		},
		"pool": gin.H{
			"queued":        s.pool.QueuedCount(),
			"running":       s.pool.RunningCount(),
			"shutting_down": s.pool.ShuttingDown(),
			"circuit_state": string(poolBreaker.State),
		},
	})
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.bridge.Reconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Reconnect failed",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  s.bridge.Status(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "editor-ops-gateway",
	})
}

func (s *Server) readinessCheck(c *gin.Context) {
	statuses := s.health.GetAllStatuses()
	ready := s.health.IsHealthy()

	statusText := "ready"
	statusCode := http.StatusOK
	if !ready {
		statusText = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    statusText,
		"timestamp": time.Now().Unix(),
		"checks":    statuses,
	})
}

// writeError maps the error taxonomy onto HTTP responses. Infrastructure
// rejections carry enough detail for the caller to decide when to retry.
func writeError(c *gin.Context, err error) {
	var (
		validation *errdefs.ValidationError
		queueFull  *errdefs.QueueFullError
		shutdown   *errdefs.ShuttingDownError
		open       *errdefs.CircuitOpenError
		timeout    *errdefs.TimeoutError
		connLost   *errdefs.ConnectionLostError
		cancelled  *errdefs.CancelledError
		remote     *errdefs.RemoteError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request",
			"error":   validation.Error(),
		})

	case errors.As(err, &queueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"message": "Queue is full, try later",
			"error":   queueFull.Error(),
		})

	case errors.As(err, &shutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Gateway is shutting down",
			"error":   shutdown.Error(),
		})

	case errors.As(err, &open):
		c.Header("Retry-After", strconv.Itoa(int(open.RetryAfter.Seconds())+1))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":        false,
			"message":        "Circuit breaker is open",
			"error":          open.Error(),
			"retry_after_ms": open.RetryAfter.Milliseconds(),
		})

	case errors.As(err, &timeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"success": false,
			"message": "Operation timed out",
			"error":   timeout.Error(),
		})

	case errors.As(err, &connLost):
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Editor connection lost",
			"error":   connLost.Error(),
		})

	case errors.As(err, &cancelled):
		// 499 is nginx's client-closed-request status; gin has no constant.
		c.JSON(499, gin.H{
			"success": false,
			"message": "Operation cancelled",
			"error":   cancelled.Error(),
		})

	case errors.As(err, &remote):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"message": "Editor reported an error",
			"code":    remote.Code,
			"error":   remote.Error(),
		})

	case errors.Is(err, errdefs.ErrNoBackendAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "No backend available for this operation",
			"error":   err.Error(),
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Operation failed",
			"error":   err.Error(),
		})
	}
}
