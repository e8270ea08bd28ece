package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/askbridge/askbridge/internal/discovery"
	"github.com/askbridge/askbridge/internal/store"
	"github.com/askbridge/askbridge/internal/toolcache"
)

// SourcesHandler manages registered tool sources and their cached tools.
type SourcesHandler struct {
	Store *store.Store
	Cache *toolcache.Cache
	Coord *discovery.Coordinator
}

func (h *SourcesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PUT("/:id/credentials", h.updateCredentials)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/tools", h.tools)
	g.POST("/:id/refresh", h.refresh)
}

type sourceRequest struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	URL          string `json:"url"`
	Credentials  string `json:"credentials"`
	Capability   string `json:"capability"`
	Instructions string `json:"instructions"`
	OwnerID      string `json:"owner_id"`
}

type sourceResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	URL          string `json:"url,omitempty"`
	Capability   string `json:"capability,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	CacheStatus  string `json:"cache_status"`
	CacheError   string `json:"cache_error,omitempty"`
	LastCachedAt string `json:"last_cached_at,omitempty"`
}

// toResponse hides credentials from every API response.
func toResponse(src store.Source) sourceResponse {
	out := sourceResponse{
		ID:           src.ID,
		Name:         src.Name,
		Kind:         src.Kind,
		URL:          src.URL,
		Capability:   src.Capability,
		Instructions: src.Instructions,
		CacheStatus:  src.CacheStatus,
		CacheError:   src.CacheError,
	}
	if src.LastCachedAt != nil {
		out.LastCachedAt = src.LastCachedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return out
}

func (h *SourcesHandler) list(c echo.Context) error {
	sources, err := h.Store.ListSources(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, toResponse(src))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SourcesHandler) create(c echo.Context) error {
	var req sourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	switch req.Kind {
	case store.SourceKindDirect:
		if req.URL == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "url is required for direct sources")
		}
	case store.SourceKindBridge:
		if req.Capability == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "capability is required for bridge sources")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be direct or bridge")
	}

	ctx := c.Request().Context()
	id, err := h.Store.CreateSource(ctx, store.Source{
		Name:         req.Name,
		Kind:         req.Kind,
		URL:          req.URL,
		Credentials:  req.Credentials,
		Capability:   req.Capability,
		Instructions: req.Instructions,
		OwnerID:      req.OwnerID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// First discovery runs in the background; the source is usable once the
	// cache fills.
	go func() {
		_ = h.Coord.RefreshByID(context.Background(), id)
	}()

	src, err := h.Store.GetSource(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, toResponse(src))
}

func (h *SourcesHandler) get(c echo.Context) error {
	src, err := h.Store.GetSource(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown source")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toResponse(src))
}

type credentialsRequest struct {
	Credentials string `json:"credentials"`
}

func (h *SourcesHandler) updateCredentials(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Store.UpdateSourceCredentials(c.Request().Context(), c.Param("id"), req.Credentials); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown source")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

func (h *SourcesHandler) remove(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	var err error
	if c.QueryParam("hard") == "true" {
		err = h.Store.HardDeleteSource(ctx, id)
	} else {
		err = h.Store.SoftDeleteSource(ctx, id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown source")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Cache.Invalidate(id)
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *SourcesHandler) tools(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	src, err := h.Store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown source")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	tools, err := h.Cache.Tools(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools":        tools,
		"cache_status": src.CacheStatus,
		"cache_error":  src.CacheError,
	})
}

func (h *SourcesHandler) refresh(c echo.Context) error {
	if err := h.Coord.RefreshByID(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown source")
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "refreshed"})
}

func (h *SourcesHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 10
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	hits, err := h.Cache.Search(q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}
