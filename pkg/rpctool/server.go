package rpctool

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Server exposes a Registry's tools at POST /rpc/:butler/:tool.
type Server struct {
	butlerName string
	registry   *Registry
	engine     *gin.Engine
	logger     *slog.Logger
}

// NewServer builds a Server for butlerName backed by registry. The caller
// is responsible for calling engine.Run / http.Serve with Engine().
func NewServer(butlerName string, registry *Registry) *Server {
	s := &Server{
		butlerName: butlerName,
		registry:   registry,
		engine:     gin.New(),
		logger:     slog.Default(),
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Engine returns the underlying gin.Engine for the caller to serve.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.POST("/rpc/:butler/:tool", s.handleCall)
}

func (s *Server) handleCall(c *gin.Context) {
	butler := c.Param("butler")
	toolName := c.Param("tool")

	if butler != s.butlerName {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ToolError{
			Class:   "not_found",
			Message: "unknown butler " + butler,
		}})
		return
	}

	tool := s.registry.Lookup(toolName)
	if tool == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ToolError{
			Class:   "not_found",
			Message: "unknown tool " + toolName,
		}})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusOK, ErrorResponse{Error: ToolError{
			Class:   "invalid_request",
			Message: err.Error(),
		}})
		return
	}
	args := extractArgs(body)

	result, toolErr := tool.Invoke(c.Request.Context(), args)
	if toolErr != nil {
		s.logger.Warn("rpc tool call failed", "butler", butler, "tool", toolName, "class", toolErr.Class, "error", toolErr.Message)
		c.JSON(http.StatusOK, ErrorResponse{Error: *toolErr})
		return
	}
	c.JSON(http.StatusOK, result)
}

// extractArgs strips the envelope's schema_version extension, leaving the
// tool's own argument keys (trace_context is left in place — route.execute
// and other span-aware tools read it out of their args themselves).
func extractArgs(body map[string]any) map[string]any {
	if body == nil {
		return map[string]any{}
	}
	args := make(map[string]any, len(body))
	for k, v := range body {
		if k == "schema_version" {
			continue
		}
		args[k] = v
	}
	return args
}
