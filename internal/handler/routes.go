package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes 注册辩论服务的全部路由。
func RegisterRoutes(r gin.IRouter, messages *MessageHandler, health *HealthHandler) {
	r.POST("/message", messages.PostMessage)
	r.GET("/healthz", health.Check)
}
