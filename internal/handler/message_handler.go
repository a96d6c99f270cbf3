// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"debate-bot-go/internal/repository"
	"debate-bot-go/internal/service"
	"debate-bot-go/pkg/llm"
	"debate-bot-go/pkg/log"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// MessageHandler 处理辩论消息相关的 API 请求。
type MessageHandler struct {
	service service.DebateService
}

// NewMessageHandler 创建一个新的 MessageHandler。
func NewMessageHandler(service service.DebateService) *MessageHandler {
	return &MessageHandler{service: service}
}

// MessageRequest 定义了 POST /message 的请求体。conversation_id 为 null 或缺省时开启新会话。
type MessageRequest struct {
	ConversationID *string `json:"conversation_id"`
	Message        string  `json:"message" binding:"required"`
}

// PostMessage 处理一次用户发言，返回 201 与最近的消息窗口。
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("PostMessage: invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": bindErrorDetail(err)})
		return
	}

	resp, err := h.service.SendMessage(c.Request.Context(), service.SendMessageRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// bindErrorDetail 区分字段校验失败与无法解析的请求体。
func bindErrorDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Message" {
				return "message is required."
			}
		}
	}
	return "Invalid request body."
}

// writeError 把领域错误映射为 HTTP 状态码与 {"detail": ...} 响应体。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		detail := strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": ")
		c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
	case errors.Is(err, repository.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found."})
	case errors.Is(err, service.ErrConversationBusy):
		c.JSON(http.StatusConflict, gin.H{"detail": "Conversation is busy, retry later."})
	case errors.Is(err, llm.ErrMalformedResponse):
		log.Errorf("PostMessage: collaborator returned a malformed reply: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"detail": "The debate partner returned an unusable reply."})
	case errors.Is(err, llm.ErrUnavailable):
		log.Errorf("PostMessage: collaborator unavailable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "The debate partner is currently unavailable."})
	default:
		log.Errorf("PostMessage: unexpected error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error."})
	}
}

// HealthHandler 提供存活检查。
type HealthHandler struct {
	ping func(ctx context.Context) error
}

// NewHealthHandler 创建 HealthHandler，ping 用于检查数据库连接。
func NewHealthHandler(ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ping: ping}
}

// Check 在数据库可用时返回 200，否则返回 503。
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.ping(ctx); err != nil {
		log.Warnf("Health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
