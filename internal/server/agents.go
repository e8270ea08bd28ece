package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/askbridge/askbridge/internal/bridge"
	"github.com/askbridge/askbridge/internal/discovery"
	"github.com/askbridge/askbridge/internal/store"
)

// AgentsHandler exposes the broker's long-poll protocol to bridge agents.
type AgentsHandler struct {
	Broker *bridge.Broker
	Coord  *discovery.Coordinator
	Store  *store.Store
}

func (h *AgentsHandler) Register(g *echo.Group) {
	g.POST("/register", h.register)
	g.POST("/poll/:agent_id", h.poll)
	g.POST("/results/:task_id", h.submit)
	g.POST("/refresh-tools/:source_id", h.refreshTools)
}

type registerRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

func (h *AgentsHandler) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentID == "" || len(req.Capabilities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and capabilities are required")
	}
	reg := h.Broker.Register(req.AgentID, req.Capabilities)
	return c.JSON(http.StatusOK, reg)
}

func (h *AgentsHandler) poll(c echo.Context) error {
	task, err := h.Broker.Poll(c.Param("agent_id"))
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownAgent) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown agent")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"task": task})
}

func (h *AgentsHandler) submit(c echo.Context) error {
	var res bridge.Result
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res.TaskID = c.Param("task_id")
	if err := h.Broker.Submit(res); err != nil {
		if errors.Is(err, bridge.ErrUnknownTask) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown task")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

// refreshTools runs a blocking discovery refresh for one source. For bridge
// sources the request waits until an agent polls, executes discovery, and
// submits, or until the discovery timeout fires.
func (h *AgentsHandler) refreshTools(c echo.Context) error {
	ctx := c.Request().Context()
	sourceID := c.Param("source_id")
	if err := h.Coord.RefreshByID(ctx, sourceID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "unknown source")
		case errors.Is(err, bridge.ErrUnavailable):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}
	tools, err := h.Store.GetCachedTools(ctx, sourceID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools_count": len(tools),
		"timestamp":   time.Now().UTC(),
	})
}
