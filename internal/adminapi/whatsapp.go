package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp/evolution"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// InstanceService is the instance manager behind the WhatsApp endpoints.
type InstanceService interface {
	List(ctx context.Context, storeID int64) ([]*domain.WhatsAppInstance, error)
	Get(ctx context.Context, id int64) (*domain.WhatsAppInstance, error)
	CreateInstance(ctx context.Context, storeID int64, name, phone string) (*domain.WhatsAppInstance, error)
	Connect(ctx context.Context, id int64, phone string) (*domain.WhatsAppInstance, error)
	RefreshStatus(ctx context.Context, id int64) (*domain.WhatsAppInstance, error)
	Logout(ctx context.Context, id int64) (*domain.WhatsAppInstance, error)
	Remove(ctx context.Context, id int64) error
	SendText(ctx context.Context, id int64, to, text string) (*evolution.SendAck, error)
	SendImage(ctx context.Context, id int64, to, mediaURL, caption string) (*evolution.SendAck, error)
}

type whatsappHandlers struct {
	svc InstanceService
}

type createInstanceRequest struct {
	StoreID int64  `json:"store_id,string"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
}

type connectRequest struct {
	Phone string `json:"phone"`
}

type sendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendImageRequest struct {
	To       string `json:"to"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption"`
}

// registerWhatsAppRoutes mounts the instance endpoints. svc is nil when the
// provider integration is disabled.
func registerWhatsAppRoutes(g *echo.Group, svc InstanceService) {
	h := &whatsappHandlers{svc: svc}
	g.GET("/whatsapp/instances", h.list)
	g.POST("/whatsapp/instances", h.create)
	g.GET("/whatsapp/instances/:id", h.get)
	g.DELETE("/whatsapp/instances/:id", h.remove)
	g.POST("/whatsapp/instances/:id/connect", h.connect)
	g.GET("/whatsapp/instances/:id/status", h.status)
	g.POST("/whatsapp/instances/:id/logout", h.logout)
	g.POST("/whatsapp/instances/:id/send-text", h.sendText)
	g.POST("/whatsapp/instances/:id/send-image", h.sendImage)
}

func (h *whatsappHandlers) unavailable(c echo.Context) error {
	return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp integration is not enabled", nil)
}

// list returns the instances of a store, or all instances without store_id.
//
// @Summary list WhatsApp instances
// @Tags WhatsApp
// @Param store_id query int false "Store ID"
// @Router /api/v1/whatsapp/instances [get]
func (h *whatsappHandlers) list(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	var storeID int64
	if raw := strings.TrimSpace(c.QueryParam("store_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_STORE_ID", "Invalid store ID", nil)
		}
		storeID = id
	}
	items, err := h.svc.List(c.Request().Context(), storeID)
	if err != nil {
		return providerFailure(c, "list", err)
	}
	if items == nil {
		items = []*domain.WhatsAppInstance{}
	}
	return ok(c, items)
}

// create registers a new instance at the provider.
//
// @Summary create WhatsApp instance
// @Tags WhatsApp
// @Param body body createInstanceRequest true "instance"
// @Router /api/v1/whatsapp/instances [post]
func (h *whatsappHandlers) create(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	var req createInstanceRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if strings.TrimSpace(req.Name) == "" || req.StoreID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "store_id and name are required", nil)
	}
	inst, err := h.svc.CreateInstance(c.Request().Context(), req.StoreID, req.Name, req.Phone)
	if err != nil {
		return providerFailure(c, "create", err)
	}
	return ok(c, inst)
}

func (h *whatsappHandlers) get(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	inst, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return providerFailure(c, "get", err)
	}
	return ok(c, inst)
}

// connect returns pairing material. With a phone in the body a pairing code
// is requested for that number, otherwise a QR code.
//
// @Summary connect WhatsApp instance
// @Tags WhatsApp
// @Param id path int true "Instance ID"
// @Router /api/v1/whatsapp/instances/{id}/connect [post]
func (h *whatsappHandlers) connect(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	inst, err := h.svc.Connect(c.Request().Context(), id, req.Phone)
	if err != nil {
		return providerFailure(c, "connect", err)
	}
	return ok(c, map[string]interface{}{
		"instance":     inst,
		"qr_code":      inst.QRCode,
		"pairing_code": inst.PairingCode,
	})
}

func (h *whatsappHandlers) status(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	inst, err := h.svc.RefreshStatus(c.Request().Context(), id)
	if err != nil {
		return providerFailure(c, "status", err)
	}
	return ok(c, map[string]interface{}{
		"id":        strconv.FormatInt(inst.ID, 10),
		"status":    inst.Status,
		"connected": inst.Paired(),
	})
}

func (h *whatsappHandlers) logout(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	inst, err := h.svc.Logout(c.Request().Context(), id)
	if err != nil {
		return providerFailure(c, "logout", err)
	}
	return ok(c, inst)
}

func (h *whatsappHandlers) remove(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	if err := h.svc.Remove(c.Request().Context(), id); err != nil {
		return providerFailure(c, "remove", err)
	}
	return ok(c, map[string]interface{}{"removed": true})
}

// sendText sends a text message from the instance.
// Request JSON: { "to": "24999999999", "text": "hello" }
func (h *whatsappHandlers) sendText(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	var req sendTextRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if req.To == "" || req.Text == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and text are required", nil)
	}
	ack, err := h.svc.SendText(c.Request().Context(), id, req.To, req.Text)
	if err != nil {
		return providerFailure(c, "send text", err)
	}
	return ok(c, ack)
}

func (h *whatsappHandlers) sendImage(c echo.Context) error {
	if h.svc == nil {
		return h.unavailable(c)
	}
	id, valid := parseIDParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance ID", nil)
	}
	var req sendImageRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if req.To == "" || req.MediaURL == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and media_url are required", nil)
	}
	ack, err := h.svc.SendImage(c.Request().Context(), id, req.To, req.MediaURL, req.Caption)
	if err != nil {
		return providerFailure(c, "send image", err)
	}
	return ok(c, ack)
}

// providerFailure maps the service error taxonomy to status codes. Provider
// endpoints and raw bodies stay in the log.
func providerFailure(c echo.Context, op string, err error) error {
	zap.L().Warn("adminapi: whatsapp "+op+" failed", zap.Error(err))

	var (
		perr      *evolution.ProviderError
		exhausted *evolution.ExhaustedError
	)
	switch {
	case errors.Is(err, whatsapp.ErrInstanceNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "WhatsApp instance not found", nil)
	case errors.Is(err, whatsapp.ErrInstanceExists):
		return fail(c, http.StatusConflict, "INSTANCE_EXISTS", "An instance with this name already exists", nil)
	case errors.Is(err, evolution.ErrInvalidPhoneNumber):
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", "Phone number must have 10 to 13 digits", nil)
	case errors.Is(err, evolution.ErrInvalidInstanceName):
		return fail(c, http.StatusBadRequest, "INVALID_NAME", "Instance name is required", nil)
	case errors.Is(err, evolution.ErrEmptyMessage):
		return fail(c, http.StatusBadRequest, "EMPTY_MESSAGE", "Message content is empty", nil)
	case errors.Is(err, evolution.ErrInstanceTokenRequired):
		return fail(c, http.StatusConflict, "INSTANCE_NOT_READY", "Instance has no token, create it again", nil)
	case errors.Is(err, evolution.ErrNoCredentialsConfigured):
		return fail(c, http.StatusServiceUnavailable, "PROVIDER_NOT_CONFIGURED", "Messaging provider credentials are not configured", nil)
	case errors.Is(err, evolution.ErrAuthenticationUnavailable):
		return fail(c, http.StatusBadGateway, "PROVIDER_AUTH_FAILED", "Messaging provider rejected the credentials", nil)
	case errors.Is(err, evolution.ErrProviderConflict):
		return fail(c, http.StatusConflict, "PROVIDER_CONFLICT", "Instance is still in use at the provider", nil)
	case errors.As(err, &exhausted), errors.Is(err, evolution.ErrAllCandidatesExhausted):
		return fail(c, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "Messaging provider returned no usable answer", nil)
	case errors.As(err, &perr):
		return fail(c, http.StatusBadGateway, "PROVIDER_REJECTED", "Messaging provider rejected the request", map[string]interface{}{
			"status":  perr.Status,
			"message": perr.Message,
		})
	case errors.Is(err, context.DeadlineExceeded):
		return fail(c, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", "Messaging provider did not answer in time", nil)
	}
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed", nil)
}
