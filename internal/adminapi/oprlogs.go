package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"github.com/labstack/echo/v4"
)

// OprLogReader reads the operation log.
type OprLogReader interface {
	ListOprLogs(ctx context.Context, action string, offset, limit int) ([]domain.SysOprLog, int64, error)
}

func registerOprLogRoutes(g *echo.Group, logs OprLogReader) {
	g.GET("/system/oprlogs", func(c echo.Context) error {
		return listOprLogs(c, logs)
	})
}

// listOprLogs pages through the operation log, newest first. The action
// query filters by topic, e.g. whatsapp:state_changed.
//
// @Summary list operation logs
// @Tags System
// @Param action query string false "action"
// @Param page query int false "page"
// @Param perPage query int false "page size"
// @Router /api/v1/system/oprlogs [get]
func listOprLogs(c echo.Context, logs OprLogReader) error {
	if logs == nil {
		return fail(c, http.StatusServiceUnavailable, "NOT_INITIALIZED", "Operation log is not available", nil)
	}
	page, perPage := parsePagination(c)
	offset := (page - 1) * perPage
	action := strings.TrimSpace(c.QueryParam("action"))

	items, total, err := logs.ListOprLogs(c.Request().Context(), action, offset, perPage)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_ERROR", "Failed to query operation logs", err.Error())
	}
	if items == nil {
		items = []domain.SysOprLog{}
	}

	c.Response().Header().Set("Content-Range", fmt.Sprintf("oprlogs %d-%d/%d", offset, offset+len(items), total))
	c.Response().Header().Set("Access-Control-Expose-Headers", "Content-Range")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    items,
		"total":   total,
		"page":    page,
		"perPage": perPage,
	})
}
