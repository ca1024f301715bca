package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const apiPrefix = "/api/v1"

// Init mounts every admin endpoint on e.
func Init(e *echo.Echo, whatsappSvc InstanceService, logs OprLogReader) {
	api := e.Group(apiPrefix)
	api.GET("/health", func(c echo.Context) error {
		return ok(c, map[string]interface{}{
			"status":   "up",
			"whatsapp": whatsappSvc != nil,
			"time":     time.Now().Format(time.RFC3339),
		})
	})
	registerWhatsAppRoutes(api, whatsappSvc)
	registerOprLogRoutes(api, logs)
	e.HTTPErrorHandler = httpErrorHandler
}

// httpErrorHandler renders echo errors (unknown route, bad method) with the
// same envelope as the handlers.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if m, isString := he.Message.(string); isString {
			message = m
		} else {
			message = http.StatusText(status)
		}
	}
	_ = fail(c, status, http.StatusText(status), message, nil)
}
