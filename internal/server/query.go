package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/askbridge/askbridge/internal/orchestrator"
)

// QueryHandler streams query progress over Server-Sent Events.
type QueryHandler struct {
	Orch *orchestrator.Orchestrator
}

func (h *QueryHandler) Register(g *echo.Group) {
	g.POST("/query", h.query)
}

type queryRequest struct {
	Question string `json:"question"`
}

func (h *QueryHandler) query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	events := h.Orch.Stream(c.Request().Context(), req.Question)
	enc := json.NewEncoder(resp)
	for ev := range events {
		if _, err := resp.Write([]byte("event: " + ev.Type + "\ndata: ")); err != nil {
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return nil
		}
		if _, err := resp.Write([]byte("\n")); err != nil {
			return nil
		}
		flusher.Flush()
	}
	return nil
}
