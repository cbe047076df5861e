package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/inquest/internal/tools"
)

// ToolsHandler exposes the registered tool catalog.
type ToolsHandler struct {
	Registry *tools.Registry
}

func (h *ToolsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.list)
}

func (h *ToolsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Registry.Catalog())
}
