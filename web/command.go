package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuhaidong1/iothub/internal/command"
	"github.com/xuhaidong1/iothub/internal/domain"
)

type CommandHandler struct {
	service *command.Service
}

func NewCommandHandler(service *command.Service) *CommandHandler {
	return &CommandHandler{service: service}
}

func (h *CommandHandler) RegisterRoutes(server *gin.Engine) {
	g := server.Group("/iothub")
	g.POST("/commands", h.CreateCommand)
	g.POST("/commands/:id/cancel", h.CancelCommand)
	g.GET("/commands/:id", h.GetCommandStatus)
	g.GET("/devices/:id/commands", h.GetDeviceCommands)
	g.GET("/users/:id/commands", h.GetUserCommands)
}

func (h *CommandHandler) CreateCommand(ctx *gin.Context) {
	type Req struct {
		DeviceID    string         `json:"deviceId"`
		CommandType string         `json:"commandType"`
		Params      map[string]any `json:"params"`
		Priority    string         `json:"priority"`
		TimeoutMs   int64          `json:"timeout"`
		Retries     int            `json:"retries"`
		// ScheduledFor RFC3339，留空立即下发
		ScheduledFor string `json:"scheduledFor"`
	}
	var req Req
	if err := ctx.Bind(&req); err != nil {
		ctx.String(http.StatusBadRequest, err.Error())
		return
	}
	var scheduledAt int64
	if req.ScheduledFor != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			ctx.String(http.StatusBadRequest, "bad scheduledFor: %s", err.Error())
			return
		}
		scheduledAt = at.UnixMilli()
	}
	cmd, err := h.service.CreateCommand(ctx, command.CreateReq{
		TenantID:    ctx.GetHeader("X-Tenant-ID"),
		UserID:      ctx.GetHeader("X-User-ID"),
		DeviceID:    req.DeviceID,
		CommandType: req.CommandType,
		Params:      req.Params,
		Priority:    domain.Priority(req.Priority),
		TimeoutMs:   req.TimeoutMs,
		Retries:     req.Retries,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, cmd)
}

func (h *CommandHandler) CancelCommand(ctx *gin.Context) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.String(http.StatusBadRequest, "bad command id")
		return
	}
	cmd, err := h.service.CancelCommand(ctx, ctx.GetHeader("X-Tenant-ID"), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, cmd)
}

func (h *CommandHandler) GetCommandStatus(ctx *gin.Context) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.String(http.StatusBadRequest, "bad command id")
		return
	}
	cmd, err := h.service.GetCommandStatus(ctx, ctx.GetHeader("X-Tenant-ID"), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, cmd)
}

func (h *CommandHandler) GetDeviceCommands(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	cmds, err := h.service.GetDeviceCommands(ctx,
		ctx.GetHeader("X-Tenant-ID"), ctx.Param("id"), limit)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, cmds)
}

func (h *CommandHandler) GetUserCommands(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	cmds, err := h.service.GetUserCommands(ctx,
		ctx.GetHeader("X-Tenant-ID"), ctx.Param("id"), limit)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, cmds)
}

func (h *CommandHandler) writeError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, command.ErrDeviceNotFound),
		errors.Is(err, command.ErrCommandNotFound):
		ctx.String(http.StatusNotFound, err.Error())
	case errors.Is(err, command.ErrQuotaExceeded):
		ctx.String(http.StatusForbidden, err.Error())
	case errors.Is(err, command.ErrInvalidStateTransition):
		ctx.String(http.StatusConflict, err.Error())
	case errors.Is(err, command.ErrInvalidCommand):
		ctx.String(http.StatusBadRequest, err.Error())
	default:
		ctx.String(http.StatusInternalServerError, err.Error())
	}
}
